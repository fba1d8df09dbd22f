package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aichat/internal/config"
)

func TestGateway_CompleteTextRoundTripsEveryProvider(t *testing.T) {
	openaiSrv := openAIStub(t, "from openai", nil, nil)
	defer openaiSrv.Close()
	anthropicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_1",
			"content": []any{map[string]any{"type": "text", "text": "from anthropic"}},
		})
	}))
	defer anthropicSrv.Close()

	g := NewGatewayFromConfig(config.LLMConfig{
		DefaultProvider: "openai",
		OpenAI:          config.OpenAIConfig{BaseURL: openaiSrv.URL, APIKey: "sk-test"},
		Anthropic:       config.AnthropicConfig{BaseURL: anthropicSrv.URL, APIKey: "sk-ant"},
	})
	assert.Equal(t, []string{"anthropic", "openai"}, g.Names())

	cases := map[string]string{
		"openai":    "from openai",
		"Anthropic": "from anthropic",
		"":          "from openai",
	}
	for provider, want := range cases {
		got, err := g.CompleteText(context.Background(), provider, "hi", WithMaxTokens(10), WithTemperature(0.2))
		require.NoError(t, err, provider)
		assert.Equal(t, want, got, provider)
	}
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := NewGateway("openai", NewOpenAIProvider(OpenAIConfig{APIKey: "x"}))

	_, err := g.Complete(context.Background(), "mistral", Request{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	events := collect(g.Stream(context.Background(), "mistral", Request{}))
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrUnknownProvider)
}
