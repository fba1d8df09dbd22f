package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"aichat/internal/config"
)

// Gateway routes requests to registered providers by name. An empty name
// selects the default provider.
type Gateway struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

func NewGateway(defaultName string, providers ...Provider) *Gateway {
	g := &Gateway{
		providers:   make(map[string]Provider),
		defaultName: normalizeName(defaultName),
	}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

// NewGatewayFromConfig registers every known provider. A provider without a
// key stays registered and fails with ErrMissingAPIKey when used.
func NewGatewayFromConfig(cfg config.LLMConfig) *Gateway {
	return NewGateway(cfg.DefaultProvider,
		NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
		}),
		NewAnthropicProvider(AnthropicConfig{
			BaseURL: cfg.Anthropic.BaseURL,
			APIKey:  cfg.Anthropic.APIKey,
			Model:   cfg.Anthropic.Model,
			Version: cfg.Anthropic.Version,
		}),
	)
}

func (g *Gateway) Register(p Provider) {
	name := normalizeName(p.Name())
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[name] = p
	if g.defaultName == "" {
		g.defaultName = name
	}
}

func (g *Gateway) Provider(name string) (Provider, error) {
	name = normalizeName(name)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if name == "" {
		name = g.defaultName
	}
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (g *Gateway) DefaultProvider() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultName
}

func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) Complete(ctx context.Context, provider string, req Request) (*Response, error) {
	p, err := g.Provider(provider)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

// Stream never returns nil; routing failures arrive as a Failed event.
func (g *Gateway) Stream(ctx context.Context, provider string, req Request) <-chan Event {
	p, err := g.Provider(provider)
	if err != nil {
		return failedStream(err)
	}
	return p.Stream(ctx, req)
}

type CompleteOption func(*Request)

func WithModel(model string) CompleteOption {
	return func(r *Request) { r.Model = model }
}

func WithTemperature(t float64) CompleteOption {
	return func(r *Request) { r.Temperature = Float(t) }
}

func WithMaxTokens(n int) CompleteOption {
	return func(r *Request) { r.MaxTokens = n }
}

func WithSystemPrompt(prompt string) CompleteOption {
	return func(r *Request) { r.SystemPrompt = prompt }
}

// CompleteText sends a single user prompt and returns the assistant text.
func (g *Gateway) CompleteText(ctx context.Context, provider, prompt string, opts ...CompleteOption) (string, error) {
	req := Request{Messages: []Message{{Role: RoleUser, Content: prompt}}}
	for _, opt := range opts {
		opt(&req)
	}
	resp, err := g.Complete(ctx, provider, req)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
