package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"aichat/internal/feed"
	"aichat/internal/model"
)

type MessageChange struct {
	Event   feed.Event    `json:"event"`
	Message model.Message `json:"message"`
}

// MessageSubscription delivers message changes of one session on C until
// Close is called or the subscribing context ends.
type MessageSubscription struct {
	C <-chan MessageChange

	sub  *feed.Subscription
	done chan struct{}
	once sync.Once
}

func (m *MessageSubscription) Close() {
	m.once.Do(func() {
		close(m.done)
		m.sub.Close()
	})
}

func (s *DataService) SubscribeToSession(ctx context.Context, userID, sessionID string) (*MessageSubscription, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if s.changes == nil {
		return nil, feed.ErrClosed
	}

	sub, err := s.changes.Subscribe(ctx, feed.Filter{
		Table:   TableMessages,
		Event:   feed.EventAny,
		Columns: map[string]string{"session_id": sessionID},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan MessageChange, 16)
	ms := &MessageSubscription{C: out, sub: sub, done: make(chan struct{})}
	go func() {
		defer close(out)
		for change := range sub.C {
			var msg model.Message
			if err := json.Unmarshal(change.Row, &msg); err != nil {
				log.Printf("[DataService] decode message change failed: %v", err)
				continue
			}
			select {
			case out <- MessageChange{Event: change.Event, Message: msg}:
			case <-ms.done:
				return
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}()

	return ms, nil
}
