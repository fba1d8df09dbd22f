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
	OpenAIName         = "openai"
	OpenAIDefaultURL   = "https://api.openai.com/v1"
	OpenAIDefaultModel = "gpt-4-turbo"
)

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAIProvider speaks the chat/completions protocol, so any compatible host
// works through BaseURL.
type OpenAIProvider struct {
	cfg          OpenAIConfig
	httpClient   *http.Client
	streamClient *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = OpenAIDefaultModel
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIProvider{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		streamClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string         { return OpenAIName }
func (p *OpenAIProvider) DefaultModel() string { return p.cfg.Model }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (r *openAIResponse) toResponse() (*Response, error) {
	if len(r.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := r.Choices[0]
	return &Response{
		ID:       r.ID,
		Provider: OpenAIName,
		Model:    r.Model,
		Message:  Message{Role: RoleAssistant, Content: choice.Message.Content},
		Usage: Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
		FinishReason: choice.FinishReason,
	}, nil
}

func (p *OpenAIProvider) buildBody(req Request, stream bool) ([]byte, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: DefaultTemperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request failed: %w", err)
	}
	return raw, nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build openai request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return httpReq, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
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
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newProviderError(OpenAIName, resp.StatusCode, raw)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse openai response failed: %w", err)
	}
	return parsed.toResponse()
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) <-chan Event {
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
			e.fail(fmt.Errorf("openai stream request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			e.fail(newProviderError(OpenAIName, resp.StatusCode, raw))
			return
		}
		pump(e, resp.Body, decodeOpenAILine)
	}()
	return e.out
}

func decodeOpenAILine(line string) (string, bool, error) {
	payload, ok := dataPayload(line)
	if !ok || payload == "" {
		return "", false, nil
	}
	if payload == "[DONE]" {
		return "", true, nil
	}

	var chunk openAIChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false, nil
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}
