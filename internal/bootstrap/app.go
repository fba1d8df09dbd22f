package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/backend"
	"aichat/internal/cache"
	"aichat/internal/chat"
	"aichat/internal/config"
)

type App struct {
	Config  *config.Config
	Backend *backend.Client
	Gateway *ai.Gateway
	Data    *app.DataService

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig wires every component from an already loaded configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	for _, w := range cfg.Warnings() {
		log.Printf("[Bootstrap] warning: %s", w)
	}

	client, err := backend.New(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("connect backend failed: %w", err)
	}

	gateway := ai.NewGatewayFromConfig(cfg.LLM)
	defaultModel := ""
	if p, err := gateway.Provider(""); err == nil {
		defaultModel = p.DefaultModel()
	}

	var historyCache app.HistoryCache
	if rdb := client.Redis(); rdb != nil {
		historyCache = cache.NewHistoryCache(
			rdb,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
	}

	return &App{
		Config:    cfg,
		Backend:   client,
		Gateway:   gateway,
		Data:      app.NewDataService(client.DB(), client.Feed(), historyCache, defaultModel),
		StartedAt: time.Now(),
	}, nil
}

// ChatOptions are the conversation defaults taken from the LLM settings.
func (a *App) ChatOptions() chat.Options {
	llm := a.Config.LLM
	return chat.Options{
		Provider:           a.Gateway.DefaultProvider(),
		SystemPrompt:       llm.SystemPrompt,
		Temperature:        ai.Float(llm.Temperature),
		MaxTokens:          llm.MaxTokens,
		MaxContextMessages: llm.MaxContextMessage,
	}
}

func (a *App) Close() error {
	if a.Backend == nil {
		return nil
	}
	return a.Backend.Close()
}
