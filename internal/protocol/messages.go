// Package protocol defines the WebSocket message types and structures used for
// communication between the browser client and the signaling server. All
// messages are serialized as JSON and follow a consistent envelope format with
// a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whisper/voice-app/internal/call"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// Server -> Client message types. Relayed offer/answer/ice-candidate frames
// reuse the client type constants.
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

// MaxUserIDLength caps the client-chosen identity, which is a UUID in
// practice.
const MaxUserIDLength = 36

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound message. Sender returns the
// participant identity the event claims to come from.
type ClientMessage interface {
	Sender() string
}

// AgeRange is an optional inclusive age preference.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Preferences carries the matching filters a participant joins the queue with.
type Preferences struct {
	Countries []string  `json:"countries,omitempty"`
	Languages []string  `json:"languages,omitempty"`
	Moods     []string  `json:"moods,omitempty"`
	AgeRange  *AgeRange `json:"ageRange,omitempty"`
}

// JoinQueueMsg is sent by the client to enter the matching queue.
type JoinQueueMsg struct {
	Type        string      `json:"type"`
	UserID      string      `json:"userId"`
	Preferences Preferences `json:"preferences"`
}

// LeaveQueueMsg is sent by the client to leave the matching queue.
type LeaveQueueMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// RelayMsg is an offer, answer or ice-candidate addressed to the partner.
// Raw is the frame exactly as it arrived, which is what gets forwarded.
type RelayMsg struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId"`
	TargetUserID string          `json:"targetUserId"`
	Raw          json.RawMessage `json:"-"`
}

// EndCallMsg is sent by the client to hang up. Quality is the client's view
// of the connection and defaults to strong.
type EndCallMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
	Quality      string `json:"quality,omitempty"`
}

// HeartbeatMsg is the application-level keepalive.
type HeartbeatMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

func (m JoinQueueMsg) Sender() string  { return m.UserID }
func (m LeaveQueueMsg) Sender() string { return m.UserID }
func (m RelayMsg) Sender() string      { return m.UserID }
func (m EndCallMsg) Sender() string    { return m.UserID }
func (m HeartbeatMsg) Sender() string  { return m.UserID }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// QueueJoinedMsg confirms queue entry with the participant's position and a
// rough wait estimate.
type QueueJoinedMsg struct {
	Type          string `json:"type"`
	Position      int    `json:"position"`
	QueueSize     int    `json:"queueSize"`
	Priority      string `json:"priority"`
	EstimatedWait int    `json:"estimatedWait"`
}

// MatchFoundMsg tells a participant who their partner is. Exactly one side of
// a pair receives Initiator=true and is expected to create the offer.
type MatchFoundMsg struct {
	Type      string `json:"type"`
	PartnerID string `json:"partnerId"`
	Score     int    `json:"score"`
	SessionID string `json:"sessionId"`
	Initiator bool   `json:"initiator"`
}

// PeerDisconnectedMsg is sent when the partner ended the call or dropped.
type PeerDisconnectedMsg struct {
	Type string `json:"type"`
}

// OnlineCountMsg is the periodic presence broadcast.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// HeartbeatAckMsg acknowledges a heartbeat.
type HeartbeatAckMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// BannedMsg is sent by the server when the participant is banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Preferences.normalize()
		}
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m RelayMsg
		m, err = parseRelay(env)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.normalize()
		}
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if msg.Sender() == "" {
		return env.Type, nil, fmt.Errorf("protocol: %q is missing userId", env.Type)
	}
	if len(msg.Sender()) > MaxUserIDLength {
		return env.Type, nil, fmt.Errorf("protocol: %q userId exceeds %d characters", env.Type, MaxUserIDLength)
	}
	return env.Type, msg, nil
}

// parseRelay decodes one of the three negotiation messages. The payload key
// depends on the type: "offer", "answer" or "candidate".
func parseRelay(env Envelope) (RelayMsg, error) {
	var body struct {
		UserID       string          `json:"userId"`
		TargetUserID string          `json:"targetUserId"`
		Offer        json.RawMessage `json:"offer"`
		Answer       json.RawMessage `json:"answer"`
		Candidate    json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(env.Raw, &body); err != nil {
		return RelayMsg{}, err
	}
	if body.TargetUserID == "" {
		return RelayMsg{}, fmt.Errorf("missing targetUserId")
	}

	var payload json.RawMessage
	key := "offer"
	switch env.Type {
	case TypeOffer:
		payload = body.Offer
	case TypeAnswer:
		payload, key = body.Answer, "answer"
	case TypeICECandidate:
		payload, key = body.Candidate, "candidate"
	}
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return RelayMsg{}, fmt.Errorf("missing %s", key)
	}

	return RelayMsg{
		Type:         env.Type,
		UserID:       body.UserID,
		TargetUserID: body.TargetUserID,
		Raw:          env.Raw,
	}, nil
}

func (m *EndCallMsg) normalize() error {
	m.Quality = strings.ToLower(strings.TrimSpace(m.Quality))
	if m.Quality == "" {
		m.Quality = call.QualityStrong
	}
	if !call.ValidQuality(m.Quality) {
		return fmt.Errorf("invalid quality %q", m.Quality)
	}
	return nil
}

// normalize upper-cases country codes and checks the optional age range.
func (p *Preferences) normalize() error {
	for i, c := range p.Countries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if len(c) != 2 {
			return fmt.Errorf("invalid country code %q", p.Countries[i])
		}
		p.Countries[i] = c
	}
	if r := p.AgeRange; r != nil {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("invalid age range %d-%d", r.Min, r.Max)
		}
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
