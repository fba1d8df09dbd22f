package console

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"aichat/internal/backend"
)

// RestoreSession signs the client in with a token saved by a previous run.
// A stale token is removed.
func RestoreSession(ctx context.Context, client *backend.AuthClient, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return
	}
	if _, err := client.SetSession(ctx, token); err != nil {
		if errors.Is(err, backend.ErrInvalidToken) || errors.Is(err, backend.ErrUserNotFound) {
			_ = os.Remove(path)
			return
		}
		log.Printf("[Console] restore session failed: %v", err)
	}
}

// PersistSession keeps path in sync with the client's token until the
// returned func is called.
func PersistSession(client *backend.AuthClient, path string) func() {
	return client.OnAuthStateChange(func(change backend.AuthChange) {
		if change.Session == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Printf("[Console] remove session file failed: %v", err)
			}
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			log.Printf("[Console] create session dir failed: %v", err)
			return
		}
		if err := os.WriteFile(path, []byte(change.Session.AccessToken), 0o600); err != nil {
			log.Printf("[Console] write session file failed: %v", err)
		}
	})
}
