package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"aichat/internal/feed"
)

func TestPublishHeaders(t *testing.T) {
	h := publishHeaders(feed.Change{
		Table:   "chat_messages",
		Event:   feed.EventInsert,
		Columns: map[string]string{"session_id": "s1"},
	})
	assert.Equal(t, amqp.Table{"table": "chat_messages", "event": "INSERT", "col.session_id": "s1"}, h)
}

func TestBindHeaders(t *testing.T) {
	h := bindHeaders(feed.Filter{Table: "chat_messages", Event: feed.EventAny, Columns: map[string]string{"session_id": "s1"}})
	assert.Equal(t, amqp.Table{"x-match": "all", "table": "chat_messages", "col.session_id": "s1"}, h)

	h = bindHeaders(feed.Filter{Table: "chat_sessions", Event: feed.EventDelete})
	assert.Equal(t, amqp.Table{"x-match": "all", "table": "chat_sessions", "event": "DELETE"}, h)
}

func TestBindHeadersMatchPublishHeaders(t *testing.T) {
	change := feed.Change{Table: "t", Event: feed.EventUpdate, Columns: map[string]string{"a": "1", "b": "2"}}
	pub := publishHeaders(change)
	for k, v := range bindHeaders(feed.Filter{Table: "t", Columns: map[string]string{"a": "1"}}) {
		if k == "x-match" {
			continue
		}
		assert.Equal(t, v, pub[k], k)
	}
}
