package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stackchat/pkg/config"
)

func openAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider("openai", config.ProviderConfig{
		Type:    config.ProviderOpenAI,
		Model:   "gpt-4o-mini",
		APIKey:  "test-key",
		Host:    server.URL,
		Timeout: 5,
	})
	require.NoError(t, err)
	return provider
}

func TestOpenAIGenerate(t *testing.T) {
	provider := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}
		}`))
	})

	text, tokens, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gpt-4o-mini")

	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 12, tokens)
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	provider := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error","code":"model_not_found"}}`))
	})

	_, _, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gpt-4o-mini")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
}

func TestOpenAIGenerateStreaming(t *testing.T) {
	provider := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"total_tokens\":7}}\n\n" +
				"data: [DONE]\n\n"))
	})

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gpt-4o-mini")
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			done = true
			assert.Equal(t, 7, chunk.Tokens)
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, done)
}

func TestOpenAIAcceptsModel(t *testing.T) {
	provider := &OpenAIProvider{}
	assert.True(t, provider.AcceptsModel("gpt-4o"))
	assert.True(t, provider.AcceptsModel("o3-mini"))
	assert.False(t, provider.AcceptsModel("claude-sonnet-4"))
	assert.False(t, provider.AcceptsModel("gemini-2.0-flash"))
}
