package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"aichat/internal/ai"
	"aichat/internal/transport/http/response"
)

type AIHandler struct {
	gateway *ai.Gateway
}

// CompleteRequest takes either a single Prompt or a full Messages list.
type CompleteRequest struct {
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Prompt       string       `json:"prompt"`
	Messages     []ai.Message `json:"messages"`
	SystemPrompt string       `json:"system_prompt"`
	Temperature  *float64     `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens    int          `json:"max_tokens" binding:"omitempty,gte=1"`
}

func NewAIHandler(gateway *ai.Gateway) *AIHandler {
	return &AIHandler{gateway: gateway}
}

func (h *AIHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	messages := req.Messages
	if len(messages) == 0 {
		if strings.TrimSpace(req.Prompt) == "" {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "prompt or messages is required")
			return
		}
		messages = []ai.Message{{Role: ai.RoleUser, Content: req.Prompt}}
	}

	resp, err := h.gateway.Complete(c.Request.Context(), req.Provider, ai.Request{
		Model:        req.Model,
		Messages:     messages,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		writeChatError(c, err, "completion failed")
		return
	}
	response.OK(c, resp)
}

func (h *AIHandler) Providers(c *gin.Context) {
	response.OK(c, gin.H{
		"default":   h.gateway.DefaultProvider(),
		"providers": h.gateway.Names(),
	})
}
