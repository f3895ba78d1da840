// internal/services/generator_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// LLMExecutor 生成服务对路由器的依赖面
type LLMExecutor interface {
	Execute(ctx context.Context, taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	ProviderName() string
	DefaultModel() string
}

// oneShotPayload 一键生成模式的 LLM 输出结构
type oneShotPayload struct {
	Title           string                  `json:"title"`
	DMHandbook      models.DMHandbook       `json:"dm_handbook"`
	PlayerHandbooks []models.PlayerHandbook `json:"player_handbooks"`
	Materials       []models.Material       `json:"materials"`
	BranchStructure models.BranchStructure  `json:"branch_structure"`
}

// GeneratorService 一键生成完整剧本
type GeneratorService struct {
	promptBuilder *PromptBuilder
	scriptService *ScriptService
}

// NewGeneratorService 创建生成服务
func NewGeneratorService(scriptService *ScriptService) *GeneratorService {
	return &GeneratorService{
		promptBuilder: NewPromptBuilder(),
		scriptService: scriptService,
	}
}

// Generate 调用 LLM 一次性生成完整剧本并存储
// executor 由调用方传入，允许使用会话级钉定的路由器
func (s *GeneratorService) Generate(ctx context.Context, config *models.ScriptConfig, executor LLMExecutor) (*models.Script, *models.TokenUsage, error) {
	req := s.promptBuilder.BuildOneShotPrompt(config)
	resp, err := executor.Execute(ctx, models.TaskOneShotGeneration, req)
	if err != nil {
		return nil, nil, err
	}

	raw := extractJSON(resp.Text)
	var payload oneShotPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, nil, errors.NewProcessingError("剧本 JSON 解析失败", err)
	}
	if len(payload.PlayerHandbooks) == 0 {
		return nil, nil, errors.NewProcessingError("生成结果缺少玩家手册", nil)
	}

	title := payload.Title
	if title == "" {
		title = fmt.Sprintf("%s - %s", config.Theme, config.Era)
	}

	now := time.Now()
	script := &models.Script{
		ID:              uuid.NewString(),
		Version:         "v1.0",
		ConfigID:        config.ID,
		Title:           title,
		DMHandbook:      payload.DMHandbook,
		PlayerHandbooks: payload.PlayerHandbooks,
		Materials:       payload.Materials,
		BranchStructure: payload.BranchStructure,
		Status:          models.ScriptReady,
		AiProvider:      resp.ProviderName,
		AiModel:         resp.ModelName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.scriptService.StoreScript(script); err != nil {
		return nil, nil, err
	}

	usage := &models.TokenUsage{
		Prompt:     resp.PromptTokens,
		Completion: resp.OutputTokens,
		Total:      resp.TokensUsed,
	}
	return script, usage, nil
}
