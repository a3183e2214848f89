package events

import (
	"time"

	"github.com/whisper/voice-app/internal/call"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/matching"
)

// LookupRequest asks the recorder for a user record, creating it when absent.
type LookupRequest struct {
	ID      string `json:"id"`
	Country string `json:"country,omitempty"`
}

// LookupReply carries the record or a failure description.
type LookupReply struct {
	User  lobby.UserRecord `json:"user"`
	Error string           `json:"error,omitempty"`
}

// UserEvent marks activity for one identity.
type UserEvent struct {
	ID string `json:"id"`
	At int64  `json:"at"` // unix seconds
}

// PreferencesEvent carries the filters last used to join the queue.
type PreferencesEvent struct {
	ID          string               `json:"id"`
	Preferences matching.Preferences `json:"preferences"`
}

// CallEvent is a call session as it stood when the event was emitted.
type CallEvent struct {
	SessionID  string    `json:"sessionId"`
	A          string    `json:"a"`
	B          string    `json:"b"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	EndedBy    string    `json:"endedBy,omitempty"`
	Quality    string    `json:"quality,omitempty"`
	Reconnects int       `json:"reconnects"`
	Duration   int       `json:"duration"`
}

// NewCallEvent copies a registry session into its wire form.
func NewCallEvent(s call.Session) CallEvent {
	return CallEvent{
		SessionID:  s.ID,
		A:          s.A,
		B:          s.B,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		EndedBy:    s.EndedBy,
		Quality:    s.Quality,
		Reconnects: s.Reconnects,
		Duration:   s.Duration,
	}
}

// ReportEvent is an abuse report filed through the HTTP API.
type ReportEvent struct {
	ReporterID     string    `json:"reporterId"`
	ReportedUserID string    `json:"reportedUserId"`
	SessionID      string    `json:"sessionId,omitempty"`
	Reason         string    `json:"reason"`
	Details        string    `json:"details,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
