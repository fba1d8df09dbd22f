package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aichat/internal/bootstrap"
)

type HealthHandler struct {
	app *bootstrap.App
}

func NewHealthHandler(app *bootstrap.App) *HealthHandler {
	return &HealthHandler{app: app}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := h.app.Backend.Health(ctx)
	statusCode := http.StatusOK
	for _, dep := range deps {
		if !dep.OK {
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, gin.H{
		"app":          h.app.Config.App.Name,
		"env":          h.app.Config.App.Env,
		"uptime_sec":   int(time.Since(h.app.StartedAt).Seconds()),
		"providers":    h.app.Gateway.Names(),
		"llm_ready":    h.app.Config.HasProviderKey(),
		"dependencies": deps,
	})
}
