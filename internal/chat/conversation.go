// Package chat drives one conversation: it persists turns, streams the
// assistant reply into the transcript and keeps the result consistent with
// storage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/feed"
	"aichat/internal/model"
)

const TitleLength = 50

type State string

const (
	StateIdle               State = "idle"
	StateUserTurnPersisted  State = "user_turn_persisted"
	StatePlaceholderCreated State = "placeholder_created"
	StateStreaming          State = "streaming"
	StateFinalized          State = "finalized"
	StateErrored            State = "errored"
)

var (
	ErrBusy      = errors.New("a reply is still being generated")
	ErrClosed    = errors.New("conversation closed")
	ErrNoSession = errors.New("conversation has no session")
)

// Store is the persistence the conversation needs; *app.DataService
// implements it.
type Store interface {
	CreateSession(ctx context.Context, userID string, input app.CreateSessionInput) (*model.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*app.SessionDetail, error)
	AddMessage(ctx context.Context, userID string, msg *model.Message) error
	DeleteMessage(ctx context.Context, userID, messageID string) error
	SubscribeToSession(ctx context.Context, userID, sessionID string) (*app.MessageSubscription, error)
}

// LLM is implemented by *ai.Gateway.
type LLM interface {
	Complete(ctx context.Context, provider string, req ai.Request) (*ai.Response, error)
	Stream(ctx context.Context, provider string, req ai.Request) <-chan ai.Event
}

type Options struct {
	Provider           string
	Model              string
	SystemPrompt       string
	Temperature        *float64
	MaxTokens          int
	MaxContextMessages int
}

// Hooks are called outside the conversation's lock, in the order the
// changes happen. Any of them may be nil.
type Hooks struct {
	OnSession  func(session *model.Session)
	OnMessage  func(msg model.Message)
	OnFragment func(messageID, fragment, content string)
	OnRemove   func(messageID string)
	OnState    func(state State)
	OnError    func(err error)
}

type Conversation struct {
	store  Store
	llm    LLM
	userID string
	opts   Options
	hooks  Hooks

	lifetime context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	session    *model.Session
	transcript []model.Message
	state      State
	streaming  bool
	lastErr    error
	closed     bool
}

func New(store Store, llm LLM, userID string, opts Options, hooks Hooks) *Conversation {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Conversation{
		store:    store,
		llm:      llm,
		userID:   userID,
		opts:     opts,
		hooks:    hooks,
		lifetime: lifetime,
		cancel:   cancel,
		state:    StateIdle,
	}
}

// Load replaces the conversation with a stored session and its messages.
func (c *Conversation) Load(ctx context.Context, sessionID string) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	detail, err := c.store.GetSession(ctx, c.userID, sessionID)
	if err != nil {
		c.fail(err, false)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.session = detail.Session
	c.transcript = append([]model.Message(nil), detail.Messages...)
	c.lastErr = nil
	c.mu.Unlock()

	c.emitSession(detail.Session)
	c.setState(StateIdle)
	return nil
}

// Reset forgets the current session so the next Send starts a new one.
func (c *Conversation) Reset() error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	c.mu.Lock()
	c.session = nil
	c.transcript = nil
	c.lastErr = nil
	c.mu.Unlock()

	c.emitSession(nil)
	c.setState(StateIdle)
	return nil
}

// Send persists content as a user turn and streams the assistant reply into
// a placeholder that is persisted under its own id once the stream
// completes. On a stream failure the placeholder keeps the partial text and
// is not persisted.
func (c *Conversation) Send(ctx context.Context, content string) (*model.Message, error) {
	userMsg, runCtx, done, err := c.beginTurn(ctx, content)
	if err != nil {
		return nil, err
	}
	defer done()

	req := c.buildRequest()
	provider := c.opts.Provider

	placeholder := model.Message{
		ID:        model.NewMessageID(),
		SessionID: userMsg.SessionID,
		Role:      model.MessageRoleAssistant,
		CreatedAt: time.Now(),
	}
	if !c.upsert(placeholder) {
		return nil, ErrClosed
	}
	c.setState(StatePlaceholderCreated)

	c.setState(StateStreaming)
	var acc strings.Builder
	for ev := range c.llm.Stream(runCtx, provider, req) {
		if !c.alive() {
			continue
		}

		switch ev.Kind {
		case ai.EventFragment:
			acc.WriteString(ev.Text)
			c.setContent(placeholder.ID, ev.Text, acc.String())

		case ai.EventCompleted:
			final := placeholder
			final.Content = acc.String()
			final.Metadata = map[string]interface{}{
				"provider": provider,
				"model":    req.Model,
			}
			if err := c.store.AddMessage(runCtx, c.userID, &final); err != nil {
				c.fail(fmt.Errorf("save assistant message failed: %w", err), true)
				return nil, err
			}
			c.upsert(final)
			c.setState(StateFinalized)
			return &final, nil

		case ai.EventFailed:
			c.fail(ev.Err, true)
			return nil, ev.Err
		}
	}

	if !c.alive() {
		return nil, ErrClosed
	}
	// providers always end with a terminal event; treat a bare close as a failure
	err = errors.New("stream ended without a result")
	c.fail(err, true)
	return nil, err
}

// Complete is the non-streaming variant of Send. The assistant turn is
// persisted with token usage.
func (c *Conversation) Complete(ctx context.Context, content string) (*model.Message, error) {
	userMsg, runCtx, done, err := c.beginTurn(ctx, content)
	if err != nil {
		return nil, err
	}
	defer done()

	req := c.buildRequest()
	resp, err := c.llm.Complete(runCtx, c.opts.Provider, req)
	if err != nil {
		c.fail(err, true)
		return nil, err
	}

	reply := &model.Message{
		SessionID: userMsg.SessionID,
		Role:      model.MessageRoleAssistant,
		Content:   resp.Message.Content,
		Metadata: map[string]interface{}{
			"provider":          resp.Provider,
			"model":             resp.Model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
			"finish_reason":     resp.FinishReason,
		},
	}
	if err := c.store.AddMessage(runCtx, c.userID, reply); err != nil {
		c.fail(fmt.Errorf("save assistant message failed: %w", err), true)
		return nil, err
	}
	if !c.upsert(*reply) {
		return nil, ErrClosed
	}
	c.setState(StateFinalized)
	return reply, nil
}

// DeleteMessage removes the message from storage, then from the transcript.
// A message that was never persisted, such as a failed reply, is only
// removed locally.
func (c *Conversation) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	idx := c.indexLocked(messageID)
	inFlight := c.streaming && idx >= 0 && idx == len(c.transcript)-1
	c.mu.Unlock()

	if inFlight {
		return ErrBusy
	}

	err := c.store.DeleteMessage(ctx, c.userID, messageID)
	if err != nil && !(errors.Is(err, app.ErrMessageNotFound) && idx >= 0) {
		c.fail(err, false)
		return err
	}

	c.remove(messageID)
	return nil
}

// Clear empties the in-memory transcript; storage is untouched.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.transcript = nil
	c.lastErr = nil
	c.mu.Unlock()
}

// Follow merges messages written elsewhere into the transcript until ctx
// ends or the conversation is closed. Ids already present are skipped.
func (c *Conversation) Follow(ctx context.Context) error {
	session := c.Session()
	if session == nil {
		return ErrNoSession
	}

	followCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	sub, err := c.store.SubscribeToSession(followCtx, c.userID, session.ID)
	if err != nil {
		stop()
		cancel()
		return err
	}

	go func() {
		defer stop()
		defer cancel()
		defer sub.Close()
		for change := range sub.C {
			if !c.alive() || change.Message.SessionID != session.ID {
				continue
			}
			switch change.Event {
			case feed.EventInsert:
				c.upsert(change.Message)
			case feed.EventDelete:
				c.remove(change.Message.ID)
			}
		}
	}()
	return nil
}

// Close stops any in-flight stream and follower. Nothing is applied to the
// transcript afterwards.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Conversation) Session() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.transcript...)
}

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// beginTurn claims the conversation, creates the session when needed and
// persists the user turn. The returned done func releases the claim.
func (c *Conversation) beginTurn(ctx context.Context, content string) (*model.Message, context.Context, func(), error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, nil, app.ErrMessageEmpty
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, nil, ErrClosed
	}
	if c.streaming {
		c.mu.Unlock()
		return nil, nil, nil, ErrBusy
	}
	c.streaming = true
	c.lastErr = nil
	session := c.session
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	done := func() {
		stop()
		cancel()
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
	}

	if session == nil {
		created, err := c.store.CreateSession(runCtx, c.userID, app.CreateSessionInput{
			Title: titleFrom(content),
			Model: c.opts.Model,
		})
		if err != nil {
			c.fail(err, false)
			done()
			return nil, nil, nil, err
		}
		c.mu.Lock()
		c.session = created
		c.mu.Unlock()
		c.emitSession(created)
		session = created
	}

	userMsg := &model.Message{
		SessionID: session.ID,
		Role:      model.MessageRoleUser,
		Content:   content,
	}
	if err := c.store.AddMessage(runCtx, c.userID, userMsg); err != nil {
		c.fail(err, false)
		done()
		return nil, nil, nil, err
	}
	if !c.upsert(*userMsg) {
		done()
		return nil, nil, nil, ErrClosed
	}
	c.setState(StateUserTurnPersisted)
	return userMsg, runCtx, done, nil
}

func (c *Conversation) buildRequest() ai.Request {
	history := c.Messages()
	if n := c.opts.MaxContextMessages; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, ai.Message{Role: m.Role, Content: m.Content})
	}

	modelName := c.opts.Model
	if s := c.Session(); modelName == "" && s != nil {
		modelName = s.Model
	}
	return ai.Request{
		Model:        modelName,
		Messages:     messages,
		Temperature:  c.opts.Temperature,
		MaxTokens:    c.opts.MaxTokens,
		SystemPrompt: c.opts.SystemPrompt,
	}
}

func (c *Conversation) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conversation) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.streaming {
		return ErrBusy
	}
	return nil
}

func (c *Conversation) indexLocked(id string) int {
	for i := range c.transcript {
		if c.transcript[i].ID == id {
			return i
		}
	}
	return -1
}

// upsert appends msg, or replaces the entry with the same id. It reports
// false once the conversation is closed.
func (c *Conversation) upsert(msg model.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if i := c.indexLocked(msg.ID); i >= 0 {
		c.transcript[i] = msg
		c.mu.Unlock()
		return true
	}
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()

	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(msg)
	}
	return true
}

// setContent replaces the placeholder text with the running accumulation.
func (c *Conversation) setContent(id, fragment, content string) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if c.closed || i < 0 {
		c.mu.Unlock()
		return
	}
	c.transcript[i].Content = content
	c.mu.Unlock()

	if c.hooks.OnFragment != nil {
		c.hooks.OnFragment(id, fragment, content)
	}
}

func (c *Conversation) remove(id string) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if c.closed || i < 0 {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
	c.mu.Unlock()

	if c.hooks.OnRemove != nil {
		c.hooks.OnRemove(id)
	}
}

func (c *Conversation) setState(state State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.hooks.OnState != nil {
		c.hooks.OnState(state)
	}
}

// fail records err for display. errored marks the turn as failed; earlier
// failures leave the state machine where it was.
func (c *Conversation) fail(err error, errored bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()

	log.Printf("[Chat] user %s: %v", c.userID, err)
	if errored {
		c.setState(StateErrored)
	}
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func (c *Conversation) emitSession(session *model.Session) {
	if c.hooks.OnSession != nil {
		c.hooks.OnSession(session)
	}
}

func titleFrom(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > TitleLength {
		r = r[:TitleLength]
	}
	return string(r)
}
