// internal/models/routing.go
package models

// TaskType 任务类型，路由表以此为键
type TaskType string

const (
	TaskPlanning          TaskType = "planning"
	TaskDesign            TaskType = "design"
	TaskChapterGeneration TaskType = "chapter_generation"
	TaskOneShotGeneration TaskType = "one_shot_generation"
	TaskDefault           TaskType = "default"
)

// ProviderConfig 提供商配置（含密钥，仅存在于路由配置文件/环境变量中）
type ProviderConfig struct {
	ProviderName string `json:"provider_name"`
	APIKey       string `json:"api_key"`
	Endpoint     string `json:"endpoint"`
	DefaultModel string `json:"default_model"`
}

// TaskRoute 单个任务类型的路由规则
type TaskRoute struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// Fallback 按优先级排列的备选提供商名称
	Fallback []string `json:"fallback,omitempty"`
}

// RoutingConfig 路由配置根结构
type RoutingConfig struct {
	Providers []ProviderConfig     `json:"providers"`
	Routing   map[string]TaskRoute `json:"routing"`
}

// FindProvider 按名称查找提供商配置
func (c *RoutingConfig) FindProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].ProviderName == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// RouteFor 返回指定任务类型的路由规则，未配置时回退到 default
func (c *RoutingConfig) RouteFor(taskType TaskType) (TaskRoute, bool) {
	if route, ok := c.Routing[string(taskType)]; ok {
		return route, true
	}
	route, ok := c.Routing[string(TaskDefault)]
	return route, ok
}

// ProviderAttempt fallback 链中单个提供商的失败记录
type ProviderAttempt struct {
	Provider      string `json:"provider"`
	Error         string `json:"error"`
	StatusCode    int    `json:"status_code,omitempty"`
	RetryAttempts int    `json:"retry_attempts"`
}

// EphemeralAiConfig 调用方临时提供的 AI 配置
// APIKey 只随请求传递，绝不落盘
type EphemeralAiConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// Meta 返回可持久化的非密钥投影
func (c *EphemeralAiConfig) Meta() *AiConfigMeta {
	return &AiConfigMeta{Provider: c.Provider, Model: c.Model}
}

// AiConfigMeta 会话中保存的 AI 配置元信息（不含密钥）
type AiConfigMeta struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// AiVerifyResult AI 配置验证结果
type AiVerifyResult struct {
	Valid    bool   `json:"valid"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AiStatusResult AI 配置状态
type AiStatusResult struct {
	Status   string `json:"status"` // "configured" | "unconfigured"
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ProviderDefaults 常见提供商的默认 endpoint 与模型
var ProviderDefaults = map[string]struct {
	Endpoint string
	Model    string
}{
	"openai": {
		Endpoint: "https://api.openai.com/v1/chat/completions",
		Model:    "gpt-4",
	},
	"anthropic": {
		Endpoint: "https://api.anthropic.com",
		Model:    "claude-3-sonnet-20240229",
	},
	"doubao": {
		Endpoint: "https://ark.cn-beijing.volces.com/api/v3/chat/completions",
		Model:    "doubao-seed-1-8-251228",
	},
}
