package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	return p
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var body map[string]any
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "def add(a, b):\n    return a + b"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 9, "total_tokens": 21}
		}`)
	})

	resp, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", System: "sys", Prompt: "write add"})
	require.NoError(t, err)
	require.Contains(t, resp.Text, "return a + b")
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 12, resp.Usage.PromptTokens)
	require.Equal(t, 9, resp.Usage.CompletionTokens)

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	require.Equal(t, "write add", msgs[1].(map[string]any)["content"])
}

func TestOpenAIProvider_QuotaError(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "You exceeded your current quota", "type": "insufficient_quota", "param": null, "code": "insufficient_quota"}}`)
	})

	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "x"})
	require.Error(t, err)
	require.True(t, IsQuotaError(err))
	require.False(t, IsRetryable(err))
}

func TestOpenAIProvider_RateLimitError(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "Rate limit reached", "type": "requests", "param": null, "code": "rate_limit_exceeded"}}`)
	})

	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "x"})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	require.True(t, IsRetryable(err))
}

func TestOpenAIProvider_AuthError(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "param": null, "code": "invalid_api_key"}}`)
	})

	err := p.Ping(context.Background())
	require.True(t, IsAuthenticationError(err))
}

func TestOpenAIProvider_Ping(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object": "list", "data": [{"id": "gpt-4o-mini", "object": "model", "created": 1, "owned_by": "openai"}]}`)
	})
	require.NoError(t, p.Ping(context.Background()))
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}
