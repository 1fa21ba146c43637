package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lovechat-go/internal/config"
)

// openaiClient 调用 OpenAI 兼容的 /chat/completions 接口。
// OpenRouter 与 Ollama 走同一实现，仅 base_url/api_key 不同。
type openaiClient struct {
	cfg    config.ProviderConfig
	gen    config.LLMGenerationConfig
	client *http.Client
}

// NewOpenAIClient creates a streaming client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.ProviderConfig, gen config.LLMGenerationConfig) Client {
	return &openaiClient{
		cfg:    cfg,
		gen:    gen,
		client: &http.Client{},
	}
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openaiClient) StreamChat(ctx context.Context, req ChatRequest, writer ChunkWriter) (*Usage, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	reqBody := chatCompletionRequest{
		Model:         model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	// 生成参数：传参优先，其次取全局配置（非零值）
	if req.Gen != nil {
		reqBody.Temperature = req.Gen.Temperature
		reqBody.TopP = req.Gen.TopP
		reqBody.MaxTokens = req.Gen.MaxTokens
	} else {
		if c.gen.Temperature != 0 {
			t := c.gen.Temperature
			reqBody.Temperature = &t
		}
		if c.gen.TopP != 0 {
			p := c.gen.TopP
			reqBody.TopP = &p
		}
		if c.gen.MaxTokens != 0 {
			m := c.gen.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	usage := &Usage{}
	var generated strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if err := writer.WriteReasoning(delta.ReasoningContent); err != nil {
				return nil, fmt.Errorf("failed to write reasoning chunk: %w", err)
			}
		}
		if delta.Content != "" {
			generated.WriteString(delta.Content)
			if err := writer.WriteChunk(delta.Content); err != nil {
				return nil, fmt.Errorf("failed to write chunk: %w", err)
			}
		}
	}

	// 提供商未上报用量时按生成文本估算
	if usage.TotalTokens == 0 {
		usage.CompletionTokens = EstimateTokens(generated.String())
		usage.TotalTokens = usage.CompletionTokens
	}
	return usage, nil
}
