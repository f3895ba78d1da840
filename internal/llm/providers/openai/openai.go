// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Corphon/MysteryForgeMCP/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			name:    "openai",
			baseURL: "https://api.openai.com/v1/chat/completions",
		}
	})
}

// Provider 实现 OpenAI Chat Completions 协议
// 兼容所有暴露该协议的服务（doubao、deepseek、自建网关等），
// 通过 endpoint 配置指向具体服务
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai api密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 120 * time.Second}

	if name, exists := config["provider_name"]; exists && name != "" {
		p.name = name
	}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4"
	}

	if endpoint, exists := config["endpoint"]; exists && endpoint != "" {
		p.baseURL = endpoint
	}

	return nil
}

func (p *Provider) GetName() string {
	return p.name
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

// chatMessage OpenAI 消息格式
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest OpenAI 请求格式
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float32       `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

// chatResponse OpenAI 响应格式
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// CompleteText 发送一次文本生成请求
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	body.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		// 网络错误视为瞬时失败
		return nil, &llm.RequestError{
			Provider:  p.name,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llm.RequestError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("请求失败: %s", string(respBody)),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &llm.RequestError{
			Provider:  p.name,
			Message:   fmt.Sprintf("解析响应失败: %v", err),
			Retryable: true,
		}
	}

	if len(parsed.Choices) == 0 {
		return nil, &llm.RequestError{
			Provider:  p.name,
			Message:   "响应中没有生成内容",
			Retryable: true,
		}
	}

	return &llm.CompletionResponse{
		Text:           parsed.Choices[0].Message.Content,
		PromptTokens:   parsed.Usage.PromptTokens,
		OutputTokens:   parsed.Usage.CompletionTokens,
		TokensUsed:     parsed.Usage.TotalTokens,
		ModelName:      model,
		ProviderName:   p.name,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// isRetryableStatus 429 与 5xx 属于瞬时失败
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
