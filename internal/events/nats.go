// Package events carries persistence traffic between the signaling servers
// and the recorder over NATS. The signaling side publishes lifecycle events
// and asks for user records; the recorder applies them to the database.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects used between the signaling servers and the recorder.
const (
	SubjectUserLookup      = "users.lookup" // request/reply
	SubjectUserSeen        = "users.seen"
	SubjectUserPreferences = "users.preferences"
	SubjectCallStarted     = "calls.started"
	SubjectCallEnded       = "calls.ended"
	SubjectReportCreated   = "reports.created"
)

// QueueGroup load-balances recorder instances so each event is applied once.
const QueueGroup = "recorder"

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "whisper",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection and tracks subscriptions for draining on
// close.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS with the given config. It returns an error if the
// initial connection fails; later disconnects reconnect in the background.
func Connect(config Config, log *zap.Logger) (*Client, error) {
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &Client{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject. NATS buffers the write, so this
// does not wait on the network.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data and waits for a single reply, bounded by ctx.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("events: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// QueueSubscribe registers handler on subject within QueueGroup and keeps
// the subscription for Close.
func (c *Client) QueueSubscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, handler)
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything sent so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", zap.Error(err))
	}
}
