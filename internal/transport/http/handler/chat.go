package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/chat"
	"aichat/internal/model"
	"aichat/internal/transport/http/middleware"
	"aichat/internal/transport/http/response"
)

const feedPingInterval = 15 * time.Second

type ChatHandler struct {
	dataService *app.DataService
	gateway     *ai.Gateway
	options     chat.Options
}

type CreateSessionRequest struct {
	Title    string                 `json:"title" binding:"max=128"`
	Model    string                 `json:"model" binding:"max=64"`
	Metadata map[string]interface{} `json:"metadata"`
}

type UpdateSessionRequest struct {
	Title    *string                `json:"title" binding:"omitempty,max=128"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SendMessageRequest starts a new session when SessionID is empty.
type SendMessageRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content" binding:"required"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

type SendMessageResult struct {
	Session  *model.Session  `json:"session"`
	Messages []model.Message `json:"messages"`
	Reply    *model.Message  `json:"reply"`
}

func NewChatHandler(dataService *app.DataService, gateway *ai.Gateway, options chat.Options) *ChatHandler {
	return &ChatHandler{dataService: dataService, gateway: gateway, options: options}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.dataService.CreateSession(c.Request.Context(), userID, app.CreateSessionInput{
		Title:    req.Title,
		Model:    req.Model,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeChatError(c, err, "create session failed")
		return
	}
	response.OK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessions, err := h.dataService.ListSessions(c.Request.Context(), userID, queryInt(c, "limit", app.DefaultSessionLimit))
	if err != nil {
		writeChatError(c, err, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	detail, err := h.dataService.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeChatError(c, err, "get session failed")
		return
	}
	response.OK(c, detail)
}

func (h *ChatHandler) UpdateSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.dataService.UpdateSession(c.Request.Context(), userID, c.Param("id"), app.UpdateSessionInput{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeChatError(c, err, "update session failed")
		return
	}
	response.OK(c, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessionID := c.Param("id")
	if err := h.dataService.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		writeChatError(c, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"deleted_session_id": sessionID})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	messages, err := h.dataService.GetMessages(c.Request.Context(), userID, c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		writeChatError(c, err, "get messages failed")
		return
	}
	response.OK(c, messages)
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	messageID := c.Param("id")
	if err := h.dataService.DeleteMessage(c.Request.Context(), userID, messageID); err != nil {
		writeChatError(c, err, "delete message failed")
		return
	}
	response.OK(c, gin.H{"deleted_message_id": messageID})
}

// SendMessage runs one full turn and answers once the reply is stored.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	conv, err := h.openConversation(c.Request.Context(), userID, req, chat.Hooks{})
	if err != nil {
		writeChatError(c, err, "load session failed")
		return
	}
	defer conv.Close()

	reply, err := conv.Complete(c.Request.Context(), req.Content)
	if err != nil {
		writeChatError(c, err, "send message failed")
		return
	}

	response.OK(c, SendMessageResult{
		Session:  conv.Session(),
		Messages: conv.Messages(),
		Reply:    reply,
	})
}

// StreamMessage runs one turn over SSE: a "meta" event with the session and
// reply ids, one data event per fragment, then "done" with the full text or
// "error".
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	var sse *sseWriter
	hooks := chat.Hooks{
		OnMessage: func(msg model.Message) {
			if sse == nil || msg.Role != model.MessageRoleAssistant || msg.Content != "" {
				return
			}
			meta, _ := json.Marshal(gin.H{"session_id": msg.SessionID, "message_id": msg.ID})
			_ = sse.send("meta", string(meta))
		},
		OnFragment: func(_, fragment, _ string) {
			if sse != nil {
				_ = sse.send("", fragment)
			}
		},
	}

	conv, err := h.openConversation(c.Request.Context(), userID, req, hooks)
	if err != nil {
		writeChatError(c, err, "load session failed")
		return
	}
	defer conv.Close()

	sse, ok = startSSE(c)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	reply, err := conv.Send(c.Request.Context(), req.Content)
	if err != nil {
		_ = sse.send("error", err.Error())
		return
	}
	_ = sse.send("done", reply.Content)
}

// SessionFeed streams inserts and deletes of the session's messages until
// the client goes away.
func (h *ChatHandler) SessionFeed(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	ctx := c.Request.Context()
	sub, err := h.dataService.SubscribeToSession(ctx, userID, c.Param("id"))
	if err != nil {
		writeChatError(c, err, "subscribe failed")
		return
	}
	defer sub.Close()

	sse, ok := startSSE(c)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case change, open := <-sub.C:
			if !open {
				return
			}
			body, err := json.Marshal(change.Message)
			if err != nil {
				continue
			}
			if err := sse.send(string(change.Event), string(body)); err != nil {
				return
			}
		}
	}
}

func (h *ChatHandler) openConversation(ctx context.Context, userID string, req SendMessageRequest, hooks chat.Hooks) (*chat.Conversation, error) {
	opts := h.options
	if req.Provider != "" {
		provider, err := h.gateway.Provider(req.Provider)
		if err != nil {
			return nil, err
		}
		opts.Provider = provider.Name()
		opts.Model = provider.DefaultModel()
	}
	if req.Model != "" {
		opts.Model = req.Model
	}

	conv := chat.New(h.dataService, h.gateway, userID, opts, hooks)
	if req.SessionID != "" {
		if err := conv.Load(ctx, req.SessionID); err != nil {
			conv.Close()
			return nil, err
		}
	}
	return conv, nil
}

func writeChatError(c *gin.Context, err error, fallback string) {
	var providerErr *ai.ProviderError
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrMessageEmpty):
		response.Error(c, http.StatusBadRequest, response.CodeMessageEmpty, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	case errors.Is(err, app.ErrMessageNotFound):
		response.Error(c, http.StatusNotFound, response.CodeMessageNotFound, err.Error())
	case errors.Is(err, ai.ErrUnknownProvider):
		response.Error(c, http.StatusBadRequest, response.CodeUnknownProvider, err.Error())
	case errors.Is(err, chat.ErrBusy):
		response.Error(c, http.StatusConflict, response.CodeBusy, err.Error())
	case errors.Is(err, ai.ErrMissingAPIKey), errors.As(err, &providerErr):
		response.Error(c, http.StatusBadGateway, response.CodeUpstream, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
