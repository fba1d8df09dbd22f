package backend

import (
	"context"
	"errors"
	"sync"

	"aichat/internal/model"
)

type AuthEvent string

const (
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
)

type AuthChange struct {
	Event   AuthEvent
	Session *Session
}

// AuthClient holds one signed-in session on top of AuthService and tells
// listeners when it changes. Listeners run on the calling goroutine after
// the client's lock has been released.
type AuthClient struct {
	svc *AuthService

	mu        sync.Mutex
	session   *Session
	listeners map[int]func(AuthChange)
	nextID    int
}

func NewAuthClient(svc *AuthService) *AuthClient {
	return &AuthClient{svc: svc, listeners: make(map[int]func(AuthChange))}
}

func (c *AuthClient) Service() *AuthService { return c.svc }

// OnAuthStateChange registers fn and returns a func that removes it.
func (c *AuthClient) OnAuthStateChange(fn func(AuthChange)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *AuthClient) SignUp(ctx context.Context, email, password, name string) (*Session, error) {
	session, err := c.svc.SignUp(ctx, email, password, name)
	if err != nil {
		return nil, err
	}
	c.setSession(session, EventSignedIn)
	return session, nil
}

func (c *AuthClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	session, err := c.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(session, EventSignedIn)
	return session, nil
}

// SetSession adopts a previously issued token, e.g. one restored from disk.
func (c *AuthClient) SetSession(ctx context.Context, token string) (*Session, error) {
	claims, err := c.svc.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := c.svc.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	session := &Session{AccessToken: token, TokenType: "bearer", ExpiresAt: claims.ExpiresAt.Time, User: user}
	c.setSession(session, EventSignedIn)
	return session, nil
}

// SignOut always drops the local session, even when revocation fails.
func (c *AuthClient) SignOut(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	err := c.svc.SignOut(ctx, token)
	if errors.Is(err, ErrInvalidToken) {
		err = nil
	}
	c.setSession(nil, EventSignedOut)
	return err
}

func (c *AuthClient) ResetPasswordForEmail(ctx context.Context, email string) error {
	if err := c.svc.RequestPasswordReset(ctx, email); err != nil {
		return err
	}
	c.emit(AuthChange{Event: EventPasswordRecovery, Session: c.current()})
	return nil
}

func (c *AuthClient) CompletePasswordReset(ctx context.Context, resetToken, newPassword string) (*Session, error) {
	session, err := c.svc.ResetPassword(ctx, resetToken, newPassword)
	if err != nil {
		return nil, err
	}
	c.setSession(session, EventSignedIn)
	return session, nil
}

func (c *AuthClient) UpdateUser(ctx context.Context, update ProfileUpdate) (*model.User, error) {
	session := c.current()
	if session == nil {
		return nil, ErrInvalidToken
	}
	user, err := c.svc.UpdateProfile(ctx, session.User.ID, update)
	if err != nil {
		return nil, err
	}
	updated := *session
	updated.User = user
	c.setSession(&updated, EventUserUpdated)
	return user, nil
}

// GetUser returns the signed-in user, or nil when there is no valid session.
// A session whose token has been revoked or has expired is dropped.
func (c *AuthClient) GetUser(ctx context.Context) (*model.User, error) {
	session := c.current()
	if session == nil {
		return nil, nil
	}
	claims, err := c.svc.Verify(ctx, session.AccessToken)
	if errors.Is(err, ErrInvalidToken) {
		c.setSession(nil, EventSignedOut)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.svc.GetUser(ctx, claims.UserID)
}

func (c *AuthClient) Session() *Session { return c.current() }

func (c *AuthClient) Token() string {
	if s := c.current(); s != nil {
		return s.AccessToken
	}
	return ""
}

func (c *AuthClient) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *AuthClient) setSession(session *Session, event AuthEvent) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.emit(AuthChange{Event: event, Session: session})
}

func (c *AuthClient) emit(change AuthChange) {
	c.mu.Lock()
	fns := make([]func(AuthChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
