// internal/config/routing.go
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// LoadRoutingConfig 从路由配置文件加载多提供商路由表
// 文件不存在时回退到单提供商环境变量配置（无 fallback 链）
func LoadRoutingConfig(cfg *Config) (*models.RoutingConfig, error) {
	content, err := os.ReadFile(cfg.RoutingFile)
	if err != nil {
		if os.IsNotExist(err) {
			return routingFromEnv(cfg), nil
		}
		return nil, fmt.Errorf("读取路由配置失败: %w", err)
	}

	var routing models.RoutingConfig
	if err := json.Unmarshal(content, &routing); err != nil {
		return nil, fmt.Errorf("解析路由配置失败: %w", err)
	}

	if len(routing.Providers) == 0 {
		return nil, fmt.Errorf("路由配置中没有提供商")
	}
	if _, ok := routing.Routing[string(models.TaskDefault)]; !ok {
		return nil, fmt.Errorf("路由配置缺少 default 路由")
	}

	// 路由引用的提供商必须在 providers 中声明
	for taskType, route := range routing.Routing {
		if routing.FindProvider(route.Provider) == nil {
			return nil, fmt.Errorf("路由 %s 引用了未声明的提供商 %s", taskType, route.Provider)
		}
		for _, fb := range route.Fallback {
			if routing.FindProvider(fb) == nil {
				return nil, fmt.Errorf("路由 %s 的 fallback 引用了未声明的提供商 %s", taskType, fb)
			}
		}
	}

	return &routing, nil
}

// routingFromEnv 从环境变量构建单提供商回退配置
func routingFromEnv(cfg *Config) *models.RoutingConfig {
	return &models.RoutingConfig{
		Providers: []models.ProviderConfig{
			{
				ProviderName: cfg.LLMProvider,
				APIKey:       cfg.LLMAPIKey,
				Endpoint:     cfg.LLMEndpoint,
				DefaultModel: cfg.LLMModel,
			},
		},
		Routing: map[string]models.TaskRoute{
			string(models.TaskDefault): {Provider: cfg.LLMProvider},
		},
	}
}
