package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stackchat/pkg/config"
)

func geminiTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewGeminiProvider("gemini", config.ProviderConfig{
		Type:    config.ProviderGemini,
		Model:   "gemini-2.0-flash",
		APIKey:  "test-key",
		Host:    server.URL,
		Timeout: 5,
	})
	require.NoError(t, err)
	return provider
}

func TestGeminiRequestPathFromDefaultHost(t *testing.T) {
	// The configured host carries no API version; the provider appends
	// /v1beta exactly once.
	defaults := config.Default().Providers["gemini"]
	assert.False(t, strings.Contains(defaults.Host, "/v1beta"))

	provider := geminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}]
		}`))
	})

	_, _, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gemini-2.0-flash")
	require.NoError(t, err)
}

func TestGeminiGenerate(t *testing.T) {
	provider := geminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.0-flash:generateContent"))
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"totalTokenCount":10}
		}`))
	})

	text, tokens, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gemini-2.0-flash")

	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 10, tokens)
}

func TestGeminiGenerateStreaming(t *testing.T) {
	provider := geminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.RawQuery, "alt=sse"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"totalTokenCount\":6}}\n\n"))
	})

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, "gemini-2.0-flash")
	require.NoError(t, err)

	var text string
	var tokens int
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			tokens = chunk.Tokens
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, 6, tokens)
}

func TestGeminiBuildRequestRoles(t *testing.T) {
	provider := &GeminiProvider{}
	request := provider.buildRequest([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	require.NotNil(t, request.SystemInstruction)
	assert.Equal(t, "be brief", request.SystemInstruction.Parts[0].Text)
	require.Len(t, request.Contents, 2)
	assert.Equal(t, "user", request.Contents[0].Role)
	assert.Equal(t, "model", request.Contents[1].Role)
}
