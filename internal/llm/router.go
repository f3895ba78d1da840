// internal/llm/router.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/utils"
)

// 每个提供商的重试预算：最多3次尝试，初始延迟1秒，倍率2
const (
	maxAttemptsPerProvider = 3
	initialRetryDelay      = 1000 * time.Millisecond
	retryMultiplier        = 2
)

// AggregateError 所有提供商（主路由 + fallback）均失败时返回
// Attempts 按尝试顺序逐提供商记录
type AggregateError struct {
	Attempts []models.ProviderAttempt
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Error))
	}
	return "所有提供商均失败: " + strings.Join(parts, "; ")
}

// Router 多提供商路由器
// 按任务类型选择提供商，单提供商内指数退避重试，耗尽后沿 fallback 链转移。
// pinned 为 true 时（会话级临时配置）只有单一提供商且不走 fallback
type Router struct {
	config    *models.RoutingConfig
	providers map[string]Provider
	pinned    bool
	logger    *utils.Logger
}

// NewRouter 依据路由配置构建路由器，为每个提供商创建一个客户端实例
func NewRouter(cfg *models.RoutingConfig) (*Router, error) {
	r := &Router{
		config:    cfg,
		providers: make(map[string]Provider, len(cfg.Providers)),
		logger:    utils.GetLogger(),
	}

	for _, pc := range cfg.Providers {
		provider, err := GetProvider(pc.ProviderName, map[string]string{
			"provider_name": pc.ProviderName,
			"api_key":       pc.APIKey,
			"endpoint":      pc.Endpoint,
			"default_model": pc.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化提供商 %s 失败: %w", pc.ProviderName, err)
		}
		r.providers[pc.ProviderName] = provider
	}

	return r, nil
}

// NewPinnedRouter 从临时配置构建单提供商路由器（无 fallback）
// 密钥只存在于构建出的客户端内存中，不会随会话落盘
func NewPinnedRouter(eph models.EphemeralAiConfig) (*Router, error) {
	cfg := &models.RoutingConfig{
		Providers: []models.ProviderConfig{
			{
				ProviderName: eph.Provider,
				APIKey:       eph.APIKey,
				Endpoint:     eph.Endpoint,
				DefaultModel: eph.Model,
			},
		},
		Routing: map[string]models.TaskRoute{
			string(models.TaskDefault): {Provider: eph.Provider, Model: eph.Model},
		},
	}

	r, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	r.pinned = true
	return r, nil
}

// ResolveRoute 返回任务类型对应的路由规则
// pinned 路由器忽略任务类型，始终返回唯一的 default 路由
func (r *Router) ResolveRoute(taskType models.TaskType) (models.TaskRoute, error) {
	if r.pinned {
		taskType = models.TaskDefault
	}
	route, ok := r.config.RouteFor(taskType)
	if !ok {
		return models.TaskRoute{}, fmt.Errorf("任务类型 %s 没有路由规则且缺少 default", taskType)
	}
	return route, nil
}

// mergeParams 路由参数合并到请求（请求自身参数优先）
func mergeParams(req CompletionRequest, route models.TaskRoute) CompletionRequest {
	if req.Temperature == 0 && route.Temperature != nil {
		req.Temperature = *route.Temperature
	}
	if req.MaxTokens == 0 && route.MaxTokens > 0 {
		req.MaxTokens = route.MaxTokens
	}
	if route.Model != "" {
		req.Model = route.Model
	}
	return req
}

// Execute 执行一次生成请求：主提供商 → fallback 链
// 每个提供商内部按重试预算退避重试；全部耗尽时返回 *AggregateError
func (r *Router) Execute(ctx context.Context, taskType models.TaskType, req CompletionRequest) (*CompletionResponse, error) {
	route, err := r.ResolveRoute(taskType)
	if err != nil {
		return nil, err
	}

	merged := mergeParams(req, route)

	chain := append([]string{route.Provider}, route.Fallback...)
	attempts := make([]models.ProviderAttempt, 0, len(chain))

	for _, name := range chain {
		provider, ok := r.providers[name]
		if !ok {
			attempts = append(attempts, models.ProviderAttempt{
				Provider:      name,
				Error:         fmt.Sprintf("提供商 %s 未在路由配置中声明", name),
				RetryAttempts: 0,
			})
			continue
		}

		perReq := merged
		if perReq.Model == "" {
			perReq.Model = provider.GetDefaultModel()
		}

		resp, attempt := r.executeProvider(ctx, provider, perReq)
		if resp != nil {
			return resp, nil
		}

		attempts = append(attempts, *attempt)
		r.logger.Warn("提供商调用失败，转向下一个候选", map[string]interface{}{
			"provider": name,
			"status":   attempt.StatusCode,
			"retries":  attempt.RetryAttempts,
		})
	}

	return nil, &AggregateError{Attempts: attempts}
}

// executeProvider 在单个提供商上带退避地重试
// 瞬时失败（429/5xx/网络）按预算重试；其余失败立即中止该提供商
func (r *Router) executeProvider(ctx context.Context, provider Provider, req CompletionRequest) (*CompletionResponse, *models.ProviderAttempt) {
	var resp *CompletionResponse
	var lastErr error
	tries := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	operation := func() error {
		tries++
		result, err := provider.CompleteText(ctx, req)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = result
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttemptsPerProvider-1), ctx))
	if err == nil {
		return resp, nil
	}

	attempt := &models.ProviderAttempt{
		Provider:      provider.GetName(),
		Error:         lastErr.Error(),
		RetryAttempts: tries,
	}
	var reqErr *RequestError
	if errors.As(lastErr, &reqErr) {
		attempt.StatusCode = reqErr.StatusCode
	}
	return nil, attempt
}

// Verify 验证临时配置的连通性：单次探测，不走重试与 fallback
func (r *Router) Verify(ctx context.Context, eph models.EphemeralAiConfig) models.AiVerifyResult {
	provider, err := GetProvider(eph.Provider, map[string]string{
		"provider_name": eph.Provider,
		"api_key":       eph.APIKey,
		"endpoint":      eph.Endpoint,
		"default_model": eph.Model,
	})
	if err != nil {
		return models.AiVerifyResult{Valid: false, Error: err.Error()}
	}

	_, err = provider.CompleteText(ctx, CompletionRequest{
		Prompt:    "Say hi",
		MaxTokens: 5,
		Model:     eph.Model,
	})
	if err != nil {
		return models.AiVerifyResult{Valid: false, Error: err.Error()}
	}

	return models.AiVerifyResult{Valid: true, Provider: eph.Provider, Model: eph.Model}
}

// ProviderName 返回默认路由的提供商名称
func (r *Router) ProviderName() string {
	route, err := r.ResolveRoute(models.TaskDefault)
	if err != nil {
		return "unknown"
	}
	return route.Provider
}

// DefaultModel 返回默认路由的模型名称
func (r *Router) DefaultModel() string {
	route, err := r.ResolveRoute(models.TaskDefault)
	if err != nil {
		return "unknown"
	}
	if route.Model != "" {
		return route.Model
	}
	if pc := r.config.FindProvider(route.Provider); pc != nil {
		return pc.DefaultModel
	}
	return "unknown"
}

// Meta 返回默认路由的元信息（用于展示，不含密钥）
func (r *Router) Meta() *models.AiConfigMeta {
	return &models.AiConfigMeta{Provider: r.ProviderName(), Model: r.DefaultModel()}
}
