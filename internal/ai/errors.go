package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("provider api key is not configured")
	ErrUnknownProvider = errors.New("unknown ai provider")
	ErrEmptyResponse   = errors.New("provider returned no content")
)

// ProviderError is a non-2xx answer from a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// newProviderError prefers the provider's error.message and falls back to the
// raw body or the status text.
func newProviderError(provider string, status int, body []byte) *ProviderError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &envelope); err == nil {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Provider: provider, StatusCode: status, Message: msg}
}
