package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/call"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/matching"
)

// Bus is the subset of Client the publisher needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Publisher is the signaling side of the persistence link. It satisfies
// lobby.Recorder: only LookupUser waits for a reply, every other method
// publishes and returns.
type Publisher struct {
	bus Bus
	log *zap.Logger
	now func() time.Time
}

var _ lobby.Recorder = (*Publisher)(nil)

// NewPublisher creates a Publisher over bus.
func NewPublisher(bus Bus, log *zap.Logger) *Publisher {
	return &Publisher{
		bus: bus,
		log: log.Named("events"),
		now: time.Now,
	}
}

// LookupUser fetches the record for id, creating it on first sight.
func (p *Publisher) LookupUser(ctx context.Context, id string) (lobby.UserRecord, error) {
	return p.GetOrCreateUser(ctx, id, "")
}

// GetOrCreateUser fetches the record for id, creating it with country when
// absent.
func (p *Publisher) GetOrCreateUser(ctx context.Context, id, country string) (lobby.UserRecord, error) {
	req, err := json.Marshal(LookupRequest{ID: id, Country: country})
	if err != nil {
		return lobby.UserRecord{}, fmt.Errorf("events: marshal lookup: %w", err)
	}

	data, err := p.bus.Request(ctx, SubjectUserLookup, req)
	if err != nil {
		return lobby.UserRecord{}, err
	}

	var reply LookupReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return lobby.UserRecord{}, fmt.Errorf("events: decode lookup reply: %w", err)
	}
	if reply.Error != "" {
		return lobby.UserRecord{}, errors.New("events: lookup: " + reply.Error)
	}
	return reply.User, nil
}

func (p *Publisher) Seen(id string) {
	p.emit(SubjectUserSeen, UserEvent{ID: id, At: p.now().Unix()})
}

func (p *Publisher) PreferencesSaved(id string, prefs matching.Preferences) {
	p.emit(SubjectUserPreferences, PreferencesEvent{ID: id, Preferences: prefs})
}

func (p *Publisher) CallStarted(s call.Session) {
	p.emit(SubjectCallStarted, NewCallEvent(s))
}

func (p *Publisher) CallEnded(s call.Session) {
	p.emit(SubjectCallEnded, NewCallEvent(s))
}

// Report publishes an abuse report for the recorder to persist.
func (p *Publisher) Report(r ReportEvent) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("events: marshal report: %w", err)
	}
	if err := p.bus.Publish(SubjectReportCreated, data); err != nil {
		return fmt.Errorf("events: publish report: %w", err)
	}
	return nil
}

// emit publishes v and logs failures. Persistence is best effort; the
// in-memory state never waits on it.
func (p *Publisher) emit(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.bus.Publish(subject, data); err != nil {
		p.log.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}
