// Package backend is the single handle to storage, change feed and auth that
// everything above it is built on.
package backend

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"aichat/internal/cache"
	"aichat/internal/config"
	"aichat/internal/feed"
	"aichat/internal/platform/database"
	rabbitmqClient "aichat/internal/platform/rabbitmq"
	redisClient "aichat/internal/platform/redis"
	"aichat/internal/repository"
)

type Client struct {
	db    *gorm.DB
	redis *redis.Client
	mq    *amqp.Connection
	hub   *feed.Hub
	feed  feed.Feed
	auth  *AuthService
}

// New opens every dependency named by cfg. Redis and RabbitMQ are optional;
// without them tokens and the change feed stay in process.
func New(ctx context.Context, cfg *config.Config, notifier Notifier) (*Client, error) {
	c := &Client{}

	db, err := database.Open(ctx, cfg.Backend.URL)
	if err != nil {
		return nil, err
	}
	c.db = db
	if err := database.Migrate(db); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.redis, err = redisClient.New(ctx, cfg.Redis)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	var tokens cache.TokenStore = cache.NewMemoryTokenStore()
	if c.redis != nil {
		tokens = cache.NewRedisTokenStore(c.redis)
	}

	if cfg.RabbitMQEnabled() {
		c.mq, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		changeFeed, err := rabbitmqClient.NewChangeFeed(c.mq, cfg.RabbitMQ.ChangeExchange)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.feed = changeFeed
		log.Printf("[Backend] change feed on rabbitmq exchange %s", cfg.RabbitMQ.ChangeExchange)
	} else {
		c.hub = feed.NewHub()
		c.feed = c.hub
		log.Printf("[Backend] change feed in process")
	}

	c.auth = NewAuthService(repository.NewUserRepository(db), tokens, AuthOptions{
		Secret:        cfg.Backend.Key,
		TokenTTL:      time.Duration(cfg.Backend.TokenTTLMinute) * time.Minute,
		ResetTokenTTL: time.Duration(cfg.Backend.ResetTokenTTLMinute) * time.Minute,
		AppURL:        cfg.App.URL,
		Notifier:      notifier,
	})
	return c, nil
}

func (c *Client) DB() *gorm.DB         { return c.db }
func (c *Client) Redis() *redis.Client { return c.redis }
func (c *Client) Feed() feed.Feed      { return c.feed }
func (c *Client) Auth() *AuthService   { return c.auth }
func (c *Client) MQ() *amqp.Connection { return c.mq }

// NewAuthClient returns a fresh single-session auth handle.
func (c *Client) NewAuthClient() *AuthClient {
	return NewAuthClient(c.auth)
}

type DependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Health checks every configured dependency. Disabled ones are omitted.
func (c *Client) Health(ctx context.Context) map[string]DependencyStatus {
	out := map[string]DependencyStatus{"database": c.checkDatabase(ctx)}
	if c.redis != nil {
		out["redis"] = statusOf(c.redis.Ping(ctx).Err())
	}
	if c.mq != nil {
		if c.mq.IsClosed() {
			out["rabbitmq"] = DependencyStatus{OK: false, Message: "connection closed"}
		} else {
			out["rabbitmq"] = DependencyStatus{OK: true}
		}
	}
	return out
}

func (c *Client) checkDatabase(ctx context.Context) DependencyStatus {
	sqlDB, err := c.db.DB()
	if err != nil {
		return statusOf(err)
	}
	return statusOf(sqlDB.PingContext(ctx))
}

func statusOf(err error) DependencyStatus {
	if err != nil {
		return DependencyStatus{OK: false, Message: err.Error()}
	}
	return DependencyStatus{OK: true}
}

func (c *Client) Close() error {
	var closeErr error
	if c.hub != nil {
		c.hub.Close()
	}
	if c.mq != nil {
		if err := c.mq.Close(); err != nil {
			closeErr = fmt.Errorf("close rabbitmq failed: %w", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			closeErr = fmt.Errorf("close redis failed: %w", err)
		}
	}
	if err := database.Close(c.db); err != nil {
		closeErr = fmt.Errorf("close database failed: %w", err)
	}
	return closeErr
}
