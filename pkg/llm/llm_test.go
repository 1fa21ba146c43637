package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"lovechat-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(config.ProvidersConfig{
		Default:    "openai",
		OpenAI:     config.ProviderConfig{Model: "gpt-4o"},
		OpenRouter: config.ProviderConfig{Model: "qwen/qwen3"},
		Ollama:     config.ProviderConfig{Model: "llama3"},
		Gemini:     config.ProviderConfig{Model: "gemini-2.0-flash"},
	})
}

func TestRegistryResolve(t *testing.T) {
	r := testRegistry()

	// 带提供商前缀
	c, model, err := r.Resolve("openrouter:deepseek/deepseek-r1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "deepseek/deepseek-r1", model)

	// 不带前缀走默认提供商，模型名原样保留
	_, model, err = r.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)

	// 未知前缀不按提供商解析，整串作为默认提供商的模型名
	_, model, err = r.Resolve("acme:whatever")
	require.NoError(t, err)
	assert.Equal(t, "acme:whatever", model)

	_, _, err = r.Resolve("gemini:gemini-2.0-flash")
	require.NoError(t, err)
}

func TestRegistryResolveUnknownDefault(t *testing.T) {
	r := NewRegistry(config.ProvidersConfig{Default: "nope"})
	// 手工清空已注册客户端无法做到，直接验证未知提供商报错
	delete(r.clients, "nope")
	_, _, err := r.Resolve("whatever")
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

// collectWriter 把分块收集到内存。
type collectWriter struct {
	chunks    []string
	reasoning []string
}

func (w *collectWriter) WriteChunk(content string) error {
	w.chunks = append(w.chunks, content)
	return nil
}

func (w *collectWriter) WriteReasoning(content string) error {
	w.reasoning = append(w.reasoning, content)
	return nil
}

func TestOpenAIClientStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"思考\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"你好\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"，世界\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.ProviderConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "gpt-4o",
	}, config.LLMGenerationConfig{})

	out := &collectWriter{}
	usage, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "打个招呼"}},
	}, out)
	require.NoError(t, err)

	assert.Equal(t, []string{"你好", "，世界"}, out.chunks)
	assert.Equal(t, []string{"思考"}, out.reasoning)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.Equal(t, 3, usage.PromptTokens)
}

func TestOpenAIClientEstimatesUsageWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"abcdefgh\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.ProviderConfig{BaseURL: srv.URL, Model: "m"}, config.LLMGenerationConfig{})
	usage, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "q"}},
	}, &collectWriter{})
	require.NoError(t, err)
	assert.Equal(t, 2, usage.TotalTokens)
}

func TestOpenAIClientNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.ProviderConfig{BaseURL: srv.URL, Model: "m"}, config.LLMGenerationConfig{})
	_, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "q"}},
	}, &collectWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-200")
}
