package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"aichat/internal/feed"
)

const (
	headerTable  = "table"
	headerEvent  = "event"
	columnPrefix = "col."
)

// ChangeFeed implements feed.Feed on a durable headers exchange. Every
// subscription gets its own exclusive queue bound with x-match=all, so the
// broker does the filtering.
type ChangeFeed struct {
	conn     *amqp.Connection
	exchange string
}

func NewChangeFeed(conn *amqp.Connection, exchange string) (*ChangeFeed, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeHeaders, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare change exchange failed: %w", err)
	}
	return &ChangeFeed{conn: conn, exchange: exchange}, nil
}

func (f *ChangeFeed) Publish(ctx context.Context, change feed.Change) error {
	ch, err := f.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change payload failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		f.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     publishHeaders(change),
			Timestamp:   change.At,
			Body:        payload,
		},
	); err != nil {
		return fmt.Errorf("publish change failed: %w", err)
	}
	return nil
}

func (f *ChangeFeed) Subscribe(ctx context.Context, filter feed.Filter) (*feed.Subscription, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare subscription queue failed: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", f.exchange, false, bindHeaders(filter)); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind subscription queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume subscription queue failed: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan feed.Change, 64)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-subCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var change feed.Change
				if err := json.Unmarshal(d.Body, &change); err != nil {
					log.Printf("[ChangeFeed] decode change failed: %v", err)
					continue
				}
				if !filter.Match(change) {
					continue
				}

				select {
				case out <- change:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return feed.NewSubscription(out, cancel), nil
}

func publishHeaders(change feed.Change) amqp.Table {
	headers := amqp.Table{
		headerTable: change.Table,
		headerEvent: string(change.Event),
	}
	for k, v := range change.Columns {
		headers[columnPrefix+k] = v
	}
	return headers
}

func bindHeaders(filter feed.Filter) amqp.Table {
	headers := amqp.Table{"x-match": "all"}
	if filter.Table != "" {
		headers[headerTable] = filter.Table
	}
	if filter.Event != "" && filter.Event != feed.EventAny {
		headers[headerEvent] = string(filter.Event)
	}
	for k, v := range filter.Columns {
		headers[columnPrefix+k] = v
	}
	return headers
}
