package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	AnthropicName           = "anthropic"
	AnthropicDefaultURL     = "https://api.anthropic.com/v1"
	AnthropicDefaultModel   = "claude-3-sonnet-20240229"
	AnthropicDefaultVersion = "2023-06-01"
)

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Version string
}

// AnthropicProvider speaks the messages protocol.
type AnthropicProvider struct {
	cfg          AnthropicConfig
	httpClient   *http.Client
	streamClient *http.Client
}

func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = AnthropicDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = AnthropicDefaultModel
	}
	if cfg.Version == "" {
		cfg.Version = AnthropicDefaultVersion
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &AnthropicProvider{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		streamClient: &http.Client{},
	}
}

func (p *AnthropicProvider) Name() string         { return AnthropicName }
func (p *AnthropicProvider) DefaultModel() string { return p.cfg.Model }

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *anthropicResponse) toResponse() (*Response, error) {
	var text strings.Builder
	found := false
	for _, block := range r.Content {
		if block.Type != "" && block.Type != "text" {
			continue
		}
		text.WriteString(block.Text)
		found = true
	}
	if !found {
		return nil, ErrEmptyResponse
	}
	return &Response{
		ID:       r.ID,
		Provider: AnthropicName,
		Model:    r.Model,
		Message:  Message{Role: RoleAssistant, Content: text.String()},
		Usage: Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
		FinishReason: r.StopReason,
	}, nil
}

// buildBody moves system turns into the top-level system field and sends
// every other non-assistant turn as user.
func (p *AnthropicProvider) buildBody(req Request, stream bool) ([]byte, error) {
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			messages = append(messages, m)
		default:
			messages = append(messages, Message{Role: RoleUser, Content: m.Content})
		}
	}

	body := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request failed: %w", err)
	}
	return raw, nil
}

func (p *AnthropicProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", p.cfg.Version)
	return httpReq, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read anthropic response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newProviderError(AnthropicName, resp.StatusCode, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse anthropic response failed: %w", err)
	}
	return parsed.toResponse()
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) <-chan Event {
	if p.cfg.APIKey == "" {
		return failedStream(ErrMissingAPIKey)
	}
	body, err := p.buildBody(req, true)
	if err != nil {
		return failedStream(err)
	}

	e := newEmitter(ctx)
	go func() {
		httpReq, err := p.newRequest(ctx, body)
		if err != nil {
			e.fail(err)
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.streamClient.Do(httpReq)
		if err != nil {
			e.fail(fmt.Errorf("anthropic stream request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			e.fail(newProviderError(AnthropicName, resp.StatusCode, raw))
			return
		}
		pump(e, resp.Body, decodeAnthropicLine)
	}()
	return e.out
}

// decodeAnthropicLine reads only data lines; the event: lines repeat the
// type that the JSON payload already carries.
func decodeAnthropicLine(line string) (string, bool, error) {
	payload, ok := dataPayload(line)
	if !ok || payload == "" {
		return "", false, nil
	}

	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return "", false, nil
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		msg := ev.Error.Message
		if msg == "" {
			msg = ev.Error.Type
		}
		return "", false, &ProviderError{Provider: AnthropicName, StatusCode: http.StatusOK, Message: msg}
	}
	return "", false, nil
}
