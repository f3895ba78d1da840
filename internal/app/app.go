// internal/app/app.go
package app

import (
	"fmt"
	"log"

	"github.com/Corphon/MysteryForgeMCP/internal/config"
	"github.com/Corphon/MysteryForgeMCP/internal/di"
	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	_ "github.com/Corphon/MysteryForgeMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/MysteryForgeMCP/internal/llm/providers/openai"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/services"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
)

// InitServices 按依赖顺序创建所有服务并注册到容器
// 服务端未配置任何可用密钥时 defaultExecutor 为空，
// 会话必须携带临时 AI 配置才能推进生成
func InitServices(cfg *config.Config) error {
	container := di.GetContainer()

	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	configService := services.NewConfigService(fileStorage)
	container.Register("config", configService)

	scriptService := services.NewScriptService(fileStorage)
	container.Register("script", scriptService)

	generatorService := services.NewGeneratorService(scriptService)
	container.Register("generator", generatorService)

	// 路由配置：优先配置文件，缺失时回退到环境变量单提供商
	routing, err := config.LoadRoutingConfig(cfg)
	if err != nil {
		return fmt.Errorf("加载路由配置失败: %w", err)
	}

	var defaultExecutor services.LLMExecutor
	if hasUsableProvider(routing) {
		router, err := llm.NewRouter(routing)
		if err != nil {
			return fmt.Errorf("初始化LLM路由器失败: %w", err)
		}
		defaultExecutor = router
		container.Register("ai_status", services.NewAiStatusService(routing))
	} else {
		log.Println("⚠️ 未配置任何可用的LLM提供商，仅接受会话级临时配置")
		container.Register("ai_status", services.NewAiStatusService(nil))
	}

	authoringService := services.NewAuthoringService(
		fileStorage, configService, scriptService, generatorService,
		defaultExecutor, cfg.MaxBatchSize)
	container.Register("authoring", authoringService)

	return nil
}

// hasUsableProvider 路由配置中是否存在带密钥的提供商
func hasUsableProvider(routing *models.RoutingConfig) bool {
	if routing == nil {
		return false
	}
	for _, p := range routing.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}
