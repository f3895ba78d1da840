// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"fmt"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// 请求参数标准化
type CompletionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	Model        string  `json:"model,omitempty"`
}

// 响应结构标准化
type CompletionResponse struct {
	Text           string `json:"text"`
	PromptTokens   int    `json:"prompt_tokens,omitempty"`
	OutputTokens   int    `json:"output_tokens,omitempty"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
	ModelName      string `json:"model_name,omitempty"`
	ProviderName   string `json:"provider_name,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
}

// RequestError 单次提供商调用失败
// Retryable 标记是否属于瞬时失败类（超时/5xx/限流），决定路由层是否在同一提供商上重试
type RequestError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable 判断错误是否属于可重试类
// 未知错误（网络抖动等）默认可重试
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable
	}
	return true
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取默认模型
	GetDefaultModel() string

	// 文本生成，单次调用，不含重试（重试由路由层负责）
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// 注册表和工厂函数类型
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		// 未注册的提供商按 OpenAI 兼容协议处理
		factory, exists = providers["openai"]
		if !exists {
			return nil, ErrUnknownProvider
		}
	}

	provider := factory()
	err := provider.Initialize(config)
	return provider, err
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
