package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aichat/internal/bootstrap"
	"aichat/internal/config"
	"aichat/internal/transport/http/response"
)

const stubReply = "Hi there!"

func llmStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range strings.SplitAfter(stubReply, " ") {
				chunk, _ := json.Marshal(map[string]any{
					"choices": []any{map[string]any{"delta": map[string]any{"content": word}}},
				})
				_, _ = w.Write([]byte("data: " + string(chunk) + "\n\n"))
			}
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": body["model"],
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": stubReply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 4, "completion_tokens": 3, "total_tokens": 7},
		})
	}))
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	stub := llmStub(t)
	t.Cleanup(stub.Close)

	cfg := &config.Config{
		App: config.AppConfig{Name: "test", Env: "test", GinMode: gin.TestMode, URL: "http://app.test"},
		Backend: config.BackendConfig{
			URL: "sqlite://file:" + uuid.NewString() + "?mode=memory&cache=shared",
			Key: "test-key",
		},
		LLM: config.LLMConfig{
			DefaultProvider:   "openai",
			MaxContextMessage: 20,
			OpenAI:            config.OpenAIConfig{BaseURL: stub.URL, APIKey: "sk-test", Model: "gpt-test"},
		},
	}
	app, err := bootstrap.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return NewRouter(app)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, router *gin.Engine, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func signup(t *testing.T, router *gin.Engine, email string) string {
	t.Helper()
	rec, env := call(t, router, "POST", "/api/v1/auth/signup", "", gin.H{"email": email, "password": "password1", "name": "Ada"})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	var session struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &session))
	require.NotEmpty(t, session.AccessToken)
	return session.AccessToken
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t)
	rec, _ := call(t, router, "GET", "/healthz", "", nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":{"ok":true}`)
}

func TestRouter_AuthFlow(t *testing.T) {
	router := newTestRouter(t)
	token := signup(t, router, "ada@example.com")

	rec, env := call(t, router, "GET", "/api/v1/auth/me", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"email":"ada@example.com"`)

	rec, env = call(t, router, "POST", "/api/v1/auth/signup", "", gin.H{"email": "ada@example.com", "password": "password1"})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeEmailExists, env.Code)

	rec, env = call(t, router, "POST", "/api/v1/auth/login", "", gin.H{"email": "ada@example.com", "password": "wrong-password"})
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeInvalidCredentials, env.Code)

	rec, _ = call(t, router, "PATCH", "/api/v1/auth/profile", token, gin.H{"name": "Countess"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Countess"`)

	rec, _ = call(t, router, "POST", "/api/v1/auth/logout", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	rec, env = call(t, router, "GET", "/api/v1/auth/me", token, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeUnauthorized, env.Code)
}

func TestRouter_ChatRequiresToken(t *testing.T) {
	router := newTestRouter(t)
	rec, env := call(t, router, "GET", "/api/v1/chat/sessions", "", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeUnauthorized, env.Code)
}

func TestRouter_SendMessageAndManageHistory(t *testing.T) {
	router := newTestRouter(t)
	token := signup(t, router, "ada@example.com")

	rec, env := call(t, router, "POST", "/api/v1/chat/messages", token, gin.H{"content": "Hello"})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Session struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"session"`
		Reply struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "Hello", result.Session.Title)
	assert.Equal(t, stubReply, result.Reply.Content)

	rec, env = call(t, router, "GET", "/api/v1/chat/sessions/"+result.Session.ID+"/messages", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	var messages []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &messages))
	require.Len(t, messages, 2)

	rec, _ = call(t, router, "DELETE", "/api/v1/chat/messages/"+result.Reply.ID, token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	_, env = call(t, router, "GET", "/api/v1/chat/sessions/"+result.Session.ID+"/messages", token, nil)
	require.NoError(t, json.Unmarshal(env.Data, &messages))
	assert.Len(t, messages, 1)

	// another user cannot see the session
	other := signup(t, router, "grace@example.com")
	rec, env = call(t, router, "GET", "/api/v1/chat/sessions/"+result.Session.ID, other, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, response.CodeSessionNotFound, env.Code)

	rec, _ = call(t, router, "DELETE", "/api/v1/chat/sessions/"+result.Session.ID, token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	rec, _ = call(t, router, "GET", "/api/v1/chat/sessions/"+result.Session.ID, token, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}

func TestRouter_StreamMessage(t *testing.T) {
	router := newTestRouter(t)
	token := signup(t, router, "ada@example.com")

	rec, _ := call(t, router, "POST", "/api/v1/chat/messages/stream", token, gin.H{"content": "Hello"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: meta\n")
	assert.Contains(t, body, "data: Hi \n\n")
	assert.Contains(t, body, "data: there!\n\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: "+stubReply+"\n\n"), body)
}

func TestRouter_AIComplete(t *testing.T) {
	router := newTestRouter(t)
	token := signup(t, router, "ada@example.com")

	rec, env := call(t, router, "POST", "/api/v1/ai/complete", token, gin.H{"prompt": "Hello"})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Data), stubReply)

	rec, env = call(t, router, "POST", "/api/v1/ai/complete", token, gin.H{"prompt": "Hello", "provider": "nope"})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeUnknownProvider, env.Code)

	rec, env = call(t, router, "POST", "/api/v1/ai/complete", token, gin.H{"prompt": "Hello", "provider": "anthropic"})
	assert.Equal(t, nethttp.StatusBadGateway, rec.Code)
	assert.Equal(t, response.CodeUpstream, env.Code)
}
