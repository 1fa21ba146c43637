// Package llm provides streaming clients for the supported LLM providers.
package llm

import (
	"context"
	"fmt"
	"strings"

	"lovechat-go/internal/config"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Usage 记录一次生成的 token 用量；提供商未上报时 TotalTokens 为估算值。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChunkWriter 接收流式分块。实现方（HTTP 流写入器、测试桩）自行决定如何下发。
type ChunkWriter interface {
	WriteChunk(content string) error
	WriteReasoning(content string) error
}

// ChatRequest 是一次流式聊天调用的入参。
type ChatRequest struct {
	Model    string
	Messages []Message
	Gen      *GenerationParams
	// APIKey 为按请求覆盖的密钥（用户自带 key），为空时使用配置中的密钥。
	APIKey string
}

// Client defines the interface for a streaming LLM client.
type Client interface {
	// StreamChat 以 role-based 消息调用聊天接口，把流式分块写入 writer，
	// 并在流结束后返回 token 用量。
	StreamChat(ctx context.Context, req ChatRequest, writer ChunkWriter) (*Usage, error)
}

// Registry 按提供商名称持有各客户端。
type Registry struct {
	clients         map[string]Client
	defaultProvider string
}

// NewRegistry 根据配置构建所有已启用提供商的客户端。
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{
		clients:         make(map[string]Client),
		defaultProvider: cfg.Default,
	}
	if r.defaultProvider == "" {
		r.defaultProvider = "openai"
	}
	// openai/openrouter/ollama 均为 OpenAI 兼容接口，仅 base_url 不同
	r.clients["openai"] = NewOpenAIClient(cfg.OpenAI, cfg.Generation)
	r.clients["openrouter"] = NewOpenAIClient(cfg.OpenRouter, cfg.Generation)
	r.clients["ollama"] = NewOpenAIClient(cfg.Ollama, cfg.Generation)
	r.clients["gemini"] = NewGeminiClient(cfg.Gemini, cfg.Generation)
	return r
}

// Resolve 解析 "provider:model" 形式的模型名，返回客户端与实际模型名。
// 不带前缀时使用默认提供商；model 为空时使用该提供商配置的默认模型。
func (r *Registry) Resolve(model string) (Client, string, error) {
	provider := r.defaultProvider
	if idx := strings.Index(model, ":"); idx > 0 {
		if _, ok := r.clients[model[:idx]]; ok {
			provider = model[:idx]
			model = model[idx+1:]
		}
	}
	c, ok := r.clients[provider]
	if !ok {
		return nil, "", fmt.Errorf("unknown llm provider: %s", provider)
	}
	return c, model, nil
}

// EstimateTokens 粗略估算文本的 token 数（约 4 字符 1 token），
// 仅在提供商未上报用量时作为兜底。
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
