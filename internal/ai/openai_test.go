package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openAIStub answers non-streaming requests with text and streaming requests
// with the same text split into word fragments.
func openAIStub(t *testing.T, text string, hits *int32, lastBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if lastBody != nil {
			*lastBody = body
		}

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, word := range strings.SplitAfter(text, " ") {
				chunk, _ := json.Marshal(map[string]any{
					"choices": []any{map[string]any{"delta": map[string]any{"content": word}}},
				})
				_, _ = w.Write([]byte("data: " + string(chunk) + "\n\n"))
				flusher.Flush()
			}
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": body["model"],
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12},
		})
	}))
}

func TestOpenAI_CompleteNormalizesResponse(t *testing.T) {
	var body map[string]any
	srv := openAIStub(t, "Hi there", nil, &body)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	resp, err := p.Complete(context.Background(), Request{
		Messages:     []Message{{Role: RoleUser, Content: "Hello"}},
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Message.Content)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, resp.Usage)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, OpenAIDefaultModel, resp.Model)

	assert.Equal(t, OpenAIDefaultModel, body["model"])
	assert.EqualValues(t, DefaultTemperature, body["temperature"])
	assert.EqualValues(t, DefaultMaxTokens, body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "be brief", msgs[0].(map[string]any)["content"])
}

func TestOpenAI_ExplicitZeroTemperature(t *testing.T) {
	var body map[string]any
	srv := openAIStub(t, "ok", nil, &body)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}, Temperature: Float(0)})
	require.NoError(t, err)
	assert.EqualValues(t, 0, body["temperature"])
}

func TestOpenAI_StreamConcatenationEqualsComplete(t *testing.T) {
	const text = "The quick brown fox jumps over the lazy dog"
	srv := openAIStub(t, text, nil, nil)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	req := Request{Messages: []Message{{Role: RoleUser, Content: "go"}}}

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	events := collect(p.Stream(context.Background(), req))
	require.NotEmpty(t, events)
	assert.Equal(t, resp.Message.Content, strings.Join(fragments(events), ""))
	assert.Equal(t, EventCompleted, events[len(events)-1].Kind)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventFragment, ev.Kind)
	}
}

func TestOpenAI_MissingKeyMakesNoRequest(t *testing.T) {
	var hits int32
	srv := openAIStub(t, "x", &hits, nil)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	events := collect(p.Stream(context.Background(), Request{}))
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrMissingAPIKey)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestOpenAI_Non2xxSurfacesProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := p.Complete(context.Background(), Request{})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Equal(t, "Rate limit reached", perr.Message)

	events := collect(p.Stream(context.Background(), Request{}))
	require.Len(t, events, 1)
	require.True(t, errors.As(events[0].Err, &perr))
	assert.Equal(t, "openai", perr.Provider)
}

func TestOpenAI_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := p.Complete(context.Background(), Request{})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "bad gateway", perr.Message)
}
