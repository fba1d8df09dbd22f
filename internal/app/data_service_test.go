package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aichat/internal/feed"
	"aichat/internal/model"
	"aichat/internal/platform/database"
)

type memoryHistory struct {
	mu      sync.Mutex
	lists   map[string][]model.Message
	dirty   map[string]bool
	hits    int
	setHits int

	beforeSet func(id string)
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{lists: map[string][]model.Message{}, dirty: map[string]bool{}}
}

func (h *memoryHistory) GetHistory(_ context.Context, id string) ([]model.Message, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lists[id]
	if ok {
		h.hits++
	}
	return l, ok, nil
}

func (h *memoryHistory) SetHistoryIfClean(_ context.Context, id string, m []model.Message) (bool, error) {
	if h.beforeSet != nil {
		h.beforeSet(id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirty[id] {
		return false, nil
	}
	h.lists[id] = m
	h.setHits++
	return true, nil
}

func (h *memoryHistory) DeleteHistory(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lists, id)
	return nil
}

func (h *memoryHistory) Invalidate(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lists, id)
	h.dirty[id] = true
	return nil
}

func (h *memoryHistory) IsDirty(_ context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty[id], nil
}

func (h *memoryHistory) expireDirty() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty = map[string]bool{}
}

func newTestService(t *testing.T, history HistoryCache) (*DataService, *feed.Hub) {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite://file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	hub := feed.NewHub()
	t.Cleanup(func() {
		hub.Close()
		_ = database.Close(db)
	})
	return NewDataService(db, hub, history, "gpt-4-turbo"), hub
}

func TestDataService_CreateSessionDefaults(t *testing.T) {
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(context.Background(), "u1", CreateSessionInput{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSessionTitle, s.Title)
	assert.Equal(t, "gpt-4-turbo", s.Model)
	assert.Equal(t, "u1", s.UserID)

	_, err = svc.CreateSession(context.Background(), "", CreateSessionInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDataService_AddMessageBumpsUpdatedAtMonotonically(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	base := time.Now()
	svc.now = func() time.Time { return base }

	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{Title: "t"})
	require.NoError(t, err)

	late := &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "late", CreatedAt: base.Add(time.Hour)}
	require.NoError(t, svc.AddMessage(ctx, "u1", late))
	assert.Len(t, late.ID, 26)

	early := &model.Message{SessionID: s.ID, Role: model.MessageRoleAssistant, Content: "early", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, svc.AddMessage(ctx, "u1", early))

	detail, err := svc.GetSession(ctx, "u1", s.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(time.Hour), detail.Session.UpdatedAt, time.Millisecond)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "early", detail.Messages[0].Content)
	assert.Equal(t, "late", detail.Messages[1].Content)
}

func TestDataService_AddMessageValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: s.ID, Role: "robot", Content: "x"}), ErrInvalidInput)
	assert.ErrorIs(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "  "}), ErrMessageEmpty)
	assert.ErrorIs(t, svc.AddMessage(ctx, "u2", &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "x"}), ErrSessionNotFound)
}

func TestDataService_ListSessionsNewestFirstAndClamped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	base := time.Now()

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		svc.now = func() time.Time { return at }
		s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.NoError(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: ids[0], Role: model.MessageRoleUser, Content: "bump", CreatedAt: base.Add(time.Minute)}))

	list, err := svc.ListSessions(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)

	list, err = svc.ListSessions(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	other, err := svc.ListSessions(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDataService_UpdateSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)

	title := "Renamed"
	updated, err := svc.UpdateSession(ctx, "u1", s.ID, UpdateSessionInput{Title: &title, Metadata: map[string]interface{}{"pinned": true}})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	detail, err := svc.GetSession(ctx, "u1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", detail.Session.Title)
	assert.Equal(t, true, detail.Session.Metadata["pinned"])

	_, err = svc.UpdateSession(ctx, "u2", s.ID, UpdateSessionInput{Title: &title})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDataService_DeleteMessageReducesCountByOne(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		m := &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: c}
		require.NoError(t, svc.AddMessage(ctx, "u1", m))
		ids = append(ids, m.ID)
	}

	assert.ErrorIs(t, svc.DeleteMessage(ctx, "u2", ids[1]), ErrMessageNotFound)
	require.NoError(t, svc.DeleteMessage(ctx, "u1", ids[1]))
	assert.ErrorIs(t, svc.DeleteMessage(ctx, "u1", ids[1]), ErrMessageNotFound)

	msgs, err := svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[0], msgs[0].ID)
	assert.Equal(t, ids[2], msgs[1].ID)

	last, err := svc.GetMessages(ctx, "u1", s.ID, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, ids[2], last[0].ID)
}

func TestDataService_DeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)
	require.NoError(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "x"}))

	assert.ErrorIs(t, svc.DeleteSession(ctx, "u2", s.ID), ErrSessionNotFound)
	require.NoError(t, svc.DeleteSession(ctx, "u1", s.ID))

	_, err = svc.GetSession(ctx, "u1", s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	n, err := svc.messageRepo.CountBySessionID(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDataService_HistoryCache(t *testing.T) {
	ctx := context.Background()
	history := newMemoryHistory()
	svc, _ := newTestService(t, history)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)
	require.NoError(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "x"}))

	_, err = svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, history.setHits, "dirty session must not be cached")

	history.expireDirty()
	_, err = svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, history.setHits)

	msgs, err := svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, history.hits)
}

func TestDataService_InvalidateDuringReadSkipsCaching(t *testing.T) {
	ctx := context.Background()
	history := newMemoryHistory()
	svc, _ := newTestService(t, history)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)
	require.NoError(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "x"}))
	history.expireDirty()

	// a write lands after the rows were read but before they are cached
	history.beforeSet = func(id string) { _ = history.Invalidate(ctx, id) }
	_, err = svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, history.setHits)
	_, hit, _ := history.GetHistory(ctx, s.ID)
	assert.False(t, hit)
}

func TestDataService_LongSessionReadsNewestMessages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)

	base := time.Now()
	total := maxHistory + 2
	for i := 1; i <= total; i++ {
		require.NoError(t, svc.messageRepo.Create(ctx, &model.Message{
			ID:        model.NewMessageID(),
			SessionID: s.ID,
			Role:      model.MessageRoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := svc.GetMessages(ctx, "u1", s.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, maxHistory)
	assert.Equal(t, "m3", all[0].Content)
	assert.Equal(t, fmt.Sprintf("m%d", total), all[len(all)-1].Content)

	last, err := svc.GetMessages(ctx, "u1", s.ID, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, fmt.Sprintf("m%d", total), last[0].Content)

	detail, err := svc.GetSession(ctx, "u1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("m%d", total), detail.Messages[len(detail.Messages)-1].Content)

	require.NoError(t, svc.DeleteMessage(ctx, "u1", last[0].ID))
	last, err = svc.GetMessages(ctx, "u1", s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("m%d", total-1), last[0].Content)
}

func TestDataService_SubscribeToSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)
	other, err := svc.CreateSession(ctx, "u1", CreateSessionInput{})
	require.NoError(t, err)

	_, err = svc.SubscribeToSession(ctx, "u2", s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sub, err := svc.SubscribeToSession(ctx, "u1", s.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.AddMessage(ctx, "u1", &model.Message{SessionID: other.ID, Role: model.MessageRoleUser, Content: "elsewhere"}))
	m := &model.Message{SessionID: s.ID, Role: model.MessageRoleUser, Content: "here"}
	require.NoError(t, svc.AddMessage(ctx, "u1", m))

	select {
	case change := <-sub.C:
		assert.Equal(t, feed.EventInsert, change.Event)
		assert.Equal(t, m.ID, change.Message.ID)
		assert.Equal(t, "here", change.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	sub.Close()
	assert.Eventually(t, func() bool {
		_, ok := <-sub.C
		return !ok
	}, time.Second, 10*time.Millisecond)
}
