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

// geminiClient 调用 Google Generative Language 的 streamGenerateContent 接口。
type geminiClient struct {
	cfg    config.ProviderConfig
	gen    config.LLMGenerationConfig
	client *http.Client
}

// NewGeminiClient creates a streaming client for the Gemini API.
func NewGeminiClient(cfg config.ProviderConfig, gen config.LLMGenerationConfig) Client {
	return &geminiClient{
		cfg:    cfg,
		gen:    gen,
		client: &http.Client{},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// toGeminiContents 将 role-based 消息转换为 Gemini 的 contents/systemInstruction 格式。
func toGeminiContents(messages []Message) ([]geminiContent, *geminiContent) {
	var contents []geminiContent
	var system *geminiContent
	for _, m := range messages {
		switch m.Role {
		case "system":
			// Gemini 不在 contents 中携带 system，多条 system 合并
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return contents, system
}

func (c *geminiClient) StreamChat(ctx context.Context, req ChatRequest, writer ChunkWriter) (*Usage, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	contents, system := toGeminiContents(req.Messages)
	reqBody := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
	}
	genCfg := &geminiGenerationConfig{}
	if req.Gen != nil {
		genCfg.Temperature = req.Gen.Temperature
		genCfg.TopP = req.Gen.TopP
		genCfg.MaxOutputTokens = req.Gen.MaxTokens
	} else {
		if c.gen.Temperature != 0 {
			t := c.gen.Temperature
			genCfg.Temperature = &t
		}
		if c.gen.TopP != 0 {
			p := c.gen.TopP
			genCfg.TopP = &p
		}
		if c.gen.MaxTokens != 0 {
			m := c.gen.MaxTokens
			genCfg.MaxOutputTokens = &m
		}
	}
	if genCfg.Temperature != nil || genCfg.TopP != nil || genCfg.MaxOutputTokens != nil {
		reqBody.GenerationConfig = genCfg
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.cfg.BaseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call gemini api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
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
			return nil, fmt.Errorf("failed to read from gemini stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.UsageMetadata != nil {
			usage.PromptTokens = chunk.UsageMetadata.PromptTokenCount
			usage.CompletionTokens = chunk.UsageMetadata.CandidatesTokenCount
			usage.TotalTokens = chunk.UsageMetadata.TotalTokenCount
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				generated.WriteString(part.Text)
				if err := writer.WriteChunk(part.Text); err != nil {
					return nil, fmt.Errorf("failed to write chunk: %w", err)
				}
			}
		}
	}

	if usage.TotalTokens == 0 {
		usage.CompletionTokens = EstimateTokens(generated.String())
		usage.TotalTokens = usage.CompletionTokens
	}
	return usage, nil
}
