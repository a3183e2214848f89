// Package client provides a reusable WebSocket load test client for the
// Whisper voice server. It connects using gobwas/ws (the same library the
// server uses), identifies itself with a caller-chosen user ID on every
// message and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue    = "join-queue"
	TypeLeaveQueue   = "leave-queue"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeEndCall      = "end-call"
	TypeHeartbeat    = "heartbeat"
)

// Server -> Client message types.
const (
	TypeQueueJoined      = "queue-joined"
	TypeMatchFound       = "match-found"
	TypePeerDisconnected = "peer-disconnected"
	TypeOnlineCount      = "online-count"
	TypeHeartbeatAck     = "heartbeat-ack"
	TypeRateLimited      = "rate_limited"
	TypeBanned           = "banned"
	TypeError            = "error"
)

// MatchFound is the payload of a match-found message.
type MatchFound struct {
	PartnerID string `json:"partnerId"`
	Score     int    `json:"score"`
	SessionID string `json:"sessionId"`
	Initiator bool   `json:"initiator"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated caller connected to the Whisper
// server. It manages the WebSocket lifecycle and dispatches incoming messages
// to registered handlers.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	hmu       sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	dialedAt  time.Time
	firstMsg  atomic.Bool
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages. userID is stamped on every message the client sends.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// UserID returns the identity this client speaks for.
func (c *Client) UserID() string {
	return c.userID
}

// Send sends a typed message to the server. The fields are merged with the
// type and the client's userId. It is goroutine-safe.
func (c *Client) Send(msgType string, fields map[string]interface{}) error {
	msg := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	msg["userId"] = c.userID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Handshake binds the connection to the client's identity by sending a
// heartbeat and waiting for its acknowledgement. It replaces any handler
// registered for heartbeat-ack.
func (c *Client) Handshake(ctx context.Context) error {
	acked := make(chan struct{}, 1)
	c.On(TypeHeartbeatAck, func(json.RawMessage) {
		select {
		case acked <- struct{}{}:
		default:
		}
	})
	if err := c.Send(TypeHeartbeat, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	select {
	case <-acked:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before heartbeat-ack")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinQueue enters the matchmaking queue with the given moods.
func (c *Client) JoinQueue(moods []string) error {
	return c.Send(TypeJoinQueue, map[string]interface{}{
		"preferences": map[string]interface{}{"moods": moods},
	})
}

// Relay sends an offer, answer or ice-candidate to the partner. The payload
// key follows the message type.
func (c *Client) Relay(msgType, partnerID string, payload interface{}) error {
	key := "candidate"
	switch msgType {
	case TypeOffer:
		key = "offer"
	case TypeAnswer:
		key = "answer"
	}
	return c.Send(msgType, map[string]interface{}{
		"targetUserId": partnerID,
		key:            payload,
	})
}

// EndCall hangs up on the partner.
func (c *Client) EndCall(partnerID, quality string) error {
	return c.Send(TypeEndCall, map[string]interface{}{
		"targetUserId": partnerID,
		"quality":      quality,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Registering a second handler for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	c.handlers[msgType] = handler
	c.hmu.Unlock()
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.firstMsg.CompareAndSwap(false, true) {
			c.metrics.FirstMsgLatency = time.Since(c.dialedAt)
		}
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.hmu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.hmu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
