// Package authsession tracks who is signed in for an interactive client.
package authsession

import (
	"context"
	"log"
	"sync"

	"aichat/internal/backend"
	"aichat/internal/model"
)

type Status int

const (
	StatusUnresolved Status = iota
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	default:
		return "unresolved"
	}
}

// Client is implemented by *backend.AuthClient.
type Client interface {
	OnAuthStateChange(fn func(backend.AuthChange)) func()
	GetUser(ctx context.Context) (*model.User, error)
	SignIn(ctx context.Context, email, password string) (*backend.Session, error)
	SignUp(ctx context.Context, email, password, name string) (*backend.Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string) error
}

type Snapshot struct {
	Status  Status
	User    *model.User
	Loading bool
	Err     error
}

type Manager struct {
	client   Client
	onChange func(Snapshot)

	mu          sync.Mutex
	status      Status
	user        *model.User
	resolving   bool
	busy        int
	err         error
	alive       bool
	started     bool
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager returns a manager in the unresolved state. onChange, if set,
// receives a snapshot after every state change.
func NewManager(client Client, onChange func(Snapshot)) *Manager {
	return &Manager{
		client:    client,
		onChange:  onChange,
		status:    StatusUnresolved,
		resolving: true,
		alive:     true,
	}
}

// Start resolves the current user in the background and follows auth
// events until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || !m.alive {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	unsubscribe := m.client.OnAuthStateChange(func(change backend.AuthChange) {
		m.handle(ctx, change)
	})
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.resolve(ctx, true)
	}()
}

// Stop unsubscribes and waits for background work. Nothing changes after
// Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	m.alive = false
	unsubscribe, cancel := m.unsubscribe, m.cancel
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.begin()
	session, err := m.client.SignIn(ctx, email, password)
	if err == nil {
		m.setUser(session.User)
	}
	return m.finish(err)
}

func (m *Manager) Signup(ctx context.Context, email, password, name string) error {
	m.begin()
	session, err := m.client.SignUp(ctx, email, password, name)
	if err == nil {
		m.setUser(session.User)
	}
	return m.finish(err)
}

func (m *Manager) Logout(ctx context.Context) error {
	m.begin()
	err := m.client.SignOut(ctx)
	m.setUser(nil)
	return m.finish(err)
}

func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	m.begin()
	return m.finish(m.client.ResetPasswordForEmail(ctx, email))
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) User() *model.User { return m.Snapshot().User }

func (m *Manager) Loading() bool { return m.Snapshot().Loading }

func (m *Manager) handle(ctx context.Context, change backend.AuthChange) {
	switch change.Event {
	case backend.EventSignedIn:
		m.mu.Lock()
		if !m.alive {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			m.resolve(ctx, false)
		}()
	case backend.EventSignedOut:
		m.setUser(nil)
	case backend.EventUserUpdated:
		if change.Session != nil {
			m.setUser(change.Session.User)
		}
	}
}

func (m *Manager) resolve(ctx context.Context, initial bool) {
	user, err := m.client.GetUser(ctx)
	if err != nil {
		log.Printf("[AuthSession] resolve user failed: %v", err)
	}

	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	if err == nil {
		m.applyLocked(user)
	} else if m.status == StatusUnresolved {
		m.status = StatusAnonymous
	}
	if initial {
		m.resolving = false
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) begin() {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	m.busy++
	m.err = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) finish(err error) error {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return err
	}
	if m.busy > 0 {
		m.busy--
	}
	if err != nil {
		m.err = err
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	return err
}

func (m *Manager) setUser(user *model.User) {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	m.applyLocked(user)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) applyLocked(user *model.User) {
	m.user = user
	if user != nil {
		m.status = StatusAuthenticated
	} else {
		m.status = StatusAnonymous
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status:  m.status,
		User:    m.user,
		Loading: m.resolving || m.busy > 0,
		Err:     m.err,
	}
}

func (m *Manager) notify(snap Snapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}
