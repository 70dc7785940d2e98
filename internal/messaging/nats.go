// Package messaging wraps NATS for the traffic that crosses server
// instances: room fan-out, so that a connection on any instance receives
// events for its rooms, and moderation request/reply to the scoring worker.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectRoom       = "room.broadcast"
	SubjectModeration = "moderation.check"

	// QueueModerators load-balances moderation.check across worker replicas.
	QueueModerators = "moderators"
)

var ErrNotConnected = errors.New("nats: not connected")

type NATSConfig struct {
	URL           string
	Name          string // shows up in the NATS monitoring endpoints
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "campus-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

func (c NATSConfig) options() []nats.Option {
	return []nats.Option{
		nats.Name(c.Name),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Printf("[nats] async error subject=%q: %v", subject, err)
		}),
	}
}

// NATSClient owns one connection and the subscriptions made through it, so
// Close can drain them before disconnecting.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects once; a failed initial connect is an error, later
// disconnects are retried by the library.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL, config.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)
	return &NATSClient{conn: nc, subs: make(map[string]*nats.Subscription)}, nil
}

func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe delivers every message on subject to handler.
func (c *NATSClient) Subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe delivers each message on subject to one member of queue.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler nats.MsgHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

// Request sends data and waits for one reply until ctx expires.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Ping round-trips to the server; it backs the /health check.
func (c *NATSClient) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.FlushWithContext(ctx)
}

// track replaces an earlier subscription under the same key.
func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()
	if old != nil {
		_ = old.Unsubscribe()
	}
}

// Close drains subscriptions, then the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	for key, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
