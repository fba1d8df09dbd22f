// Package feed carries row-level change notifications from the data layer to
// subscribers, filtered by table, event and column equality.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type Event string

const (
	EventInsert Event = "INSERT"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventAny    Event = "*"
)

var ErrClosed = errors.New("feed closed")

// Change is one row mutation. Columns holds the filterable column values of
// the row, Row the full JSON encoding.
type Change struct {
	Table   string            `json:"table"`
	Event   Event             `json:"event"`
	Columns map[string]string `json:"columns,omitempty"`
	Row     json.RawMessage   `json:"row,omitempty"`
	At      time.Time         `json:"at"`
}

type Filter struct {
	Table   string
	Event   Event
	Columns map[string]string
}

func (f Filter) Match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != EventAny && f.Event != c.Event {
		return false
	}
	for k, v := range f.Columns {
		if c.Columns[k] != v {
			return false
		}
	}
	return true
}

// Feed is implemented by the in-process Hub and the RabbitMQ-backed feed.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
}

// Subscription delivers matching changes on C until Close is called or the
// subscribing context ends; C is closed afterwards.
type Subscription struct {
	C <-chan Change

	once    sync.Once
	release func()
}

func NewSubscription(ch <-chan Change, release func()) *Subscription {
	return &Subscription{C: ch, release: release}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
