// internal/services/ai_status_service.go
package services

import (
	"context"

	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// AiStatusService 报告服务端 AI 配置状态并验证临时配置
type AiStatusService struct {
	routing *models.RoutingConfig
}

// NewAiStatusService 创建状态服务，routing 可以为 nil（未配置）
func NewAiStatusService(routing *models.RoutingConfig) *AiStatusService {
	return &AiStatusService{routing: routing}
}

// Status 返回默认路由的提供商与模型，未配置时标记 unconfigured
func (s *AiStatusService) Status() models.AiStatusResult {
	if s.routing == nil || len(s.routing.Providers) == 0 {
		return models.AiStatusResult{Status: "unconfigured"}
	}

	route, ok := s.routing.RouteFor(models.TaskDefault)
	if !ok {
		return models.AiStatusResult{Status: "unconfigured"}
	}

	model := route.Model
	if model == "" {
		if pc := s.routing.FindProvider(route.Provider); pc != nil {
			model = pc.DefaultModel
		}
	}
	return models.AiStatusResult{
		Status:   "configured",
		Provider: route.Provider,
		Model:    model,
	}
}

// Verify 对临时配置做单次连通性探测，不走重试与 fallback
func (s *AiStatusService) Verify(ctx context.Context, eph models.EphemeralAiConfig) models.AiVerifyResult {
	if eph.Provider == "" || eph.APIKey == "" {
		return models.AiVerifyResult{Valid: false, Error: "缺少 provider 或 api_key"}
	}
	if defaults, ok := models.ProviderDefaults[eph.Provider]; ok {
		if eph.Endpoint == "" {
			eph.Endpoint = defaults.Endpoint
		}
		if eph.Model == "" {
			eph.Model = defaults.Model
		}
	}

	router, err := llm.NewPinnedRouter(eph)
	if err != nil {
		return models.AiVerifyResult{Valid: false, Error: err.Error()}
	}
	return router.Verify(ctx, eph)
}
