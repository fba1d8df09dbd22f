package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) (Change, bool) {
	t.Helper()
	select {
	case c, ok := <-sub.C:
		return c, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}, false
	}
}

func TestFilterMatch(t *testing.T) {
	c := Change{Table: "chat_messages", Event: EventInsert, Columns: map[string]string{"session_id": "s1"}}

	assert.True(t, Filter{Table: "chat_messages", Event: EventAny}.Match(c))
	assert.True(t, Filter{Table: "chat_messages", Event: EventInsert, Columns: map[string]string{"session_id": "s1"}}.Match(c))
	assert.False(t, Filter{Table: "chat_messages", Event: EventDelete}.Match(c))
	assert.False(t, Filter{Table: "chat_sessions"}.Match(c))
	assert.False(t, Filter{Table: "chat_messages", Columns: map[string]string{"session_id": "s2"}}.Match(c))
}

func TestHub_DeliversMatchingChanges(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub, err := hub.Subscribe(context.Background(), Filter{Table: "chat_messages", Event: EventInsert, Columns: map[string]string{"session_id": "s1"}})
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, Change{Table: "chat_messages", Event: EventInsert, Columns: map[string]string{"session_id": "s2"}}))
	require.NoError(t, hub.Publish(ctx, Change{Table: "chat_messages", Event: EventInsert, Columns: map[string]string{"session_id": "s1"}, Row: []byte(`{"id":"m1"}`)}))

	got, ok := recv(t, sub)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"m1"}`, string(got.Row))
}

func TestHub_CloseAndContextEndSubscription(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub, err := hub.Subscribe(context.Background(), Filter{Table: "t"})
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	_, ok := recv(t, sub)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	sub2, err := hub.Subscribe(ctx, Filter{Table: "t"})
	require.NoError(t, err)
	cancel()
	_, ok = recv(t, sub2)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return hub.subscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	hub.buffer = 1
	defer hub.Close()

	sub, err := hub.Subscribe(context.Background(), Filter{Table: "t"})
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(context.Background(), Change{Table: "t", Event: EventInsert})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Len(t, sub.C, 1)
}

func TestHub_ClosedRejects(t *testing.T) {
	hub := NewHub()
	hub.Close()
	_, err := hub.Subscribe(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), Change{}), ErrClosed)
}
