// Package recorder applies persistence events to Postgres. It answers user
// lookups for the signaling servers, keeps call analytics, and runs the
// behaviour checks after every finished call.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/events"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/matching"
	"github.com/whisper/voice-app/internal/moderation"
	"github.com/whisper/voice-app/internal/store"
)

// ReportWindow is how far back reports count toward a verdict.
const ReportWindow = 24 * time.Hour

// Store is the subset of store.Store the recorder writes through.
type Store interface {
	GetOrCreateUser(ctx context.Context, id, country string) (store.User, error)
	TouchUser(ctx context.Context, id string, at time.Time) error
	AddCallStats(ctx context.Context, id string, durationSec int) (store.User, error)
	BumpAbuseScore(ctx context.Context, id string, delta int) (int, error)
	SetTrustLevel(ctx context.Context, id string, level matching.TrustLevel) error
	CreateCallSession(ctx context.Context, cs store.CallSession) error
	EndCallSession(ctx context.Context, cs store.CallSession) error
	CreateReport(ctx context.Context, r store.Report) error
	CountRecentReports(ctx context.Context, reportedUserID string, window time.Duration) (int, error)
	UpsertPreferences(ctx context.Context, userID string, p matching.Preferences) error
}

// Bans applies escalating bans to flagged participants.
type Bans interface {
	Escalate(ctx context.Context, identity, reason string) (time.Duration, error)
}

// Recorder implements events.Sink.
type Recorder struct {
	store Store
	bans  Bans
	log   *zap.Logger
}

var _ events.Sink = (*Recorder)(nil)

// New creates a Recorder. bans may be nil, in which case flagged users only
// get their abuse score raised.
func New(s Store, bans Bans, log *zap.Logger) *Recorder {
	return &Recorder{store: s, bans: bans, log: log.Named("recorder")}
}

func (r *Recorder) GetOrCreateUser(ctx context.Context, id, country string) (lobby.UserRecord, error) {
	u, err := r.store.GetOrCreateUser(ctx, id, country)
	if err != nil {
		return lobby.UserRecord{}, err
	}
	return lobby.UserRecord{
		ID:         u.ID,
		Country:    u.Country,
		AbuseScore: u.AbuseScore,
		Trust:      u.Trust,
		CallCount:  u.TotalCalls,
	}, nil
}

func (r *Recorder) UserSeen(ctx context.Context, e events.UserEvent) error {
	return r.store.TouchUser(ctx, e.ID, time.Unix(e.At, 0))
}

func (r *Recorder) PreferencesSaved(ctx context.Context, e events.PreferencesEvent) error {
	return r.store.UpsertPreferences(ctx, e.ID, e.Preferences)
}

func (r *Recorder) CallStarted(ctx context.Context, e events.CallEvent) error {
	return r.store.CreateCallSession(ctx, toCallSession(e))
}

// CallEnded closes the session row, then updates both members' stats and
// re-evaluates them.
func (r *Recorder) CallEnded(ctx context.Context, e events.CallEvent) error {
	var errs []error
	if err := r.store.EndCallSession(ctx, toCallSession(e)); err != nil {
		errs = append(errs, err)
	}
	for _, id := range []string{e.A, e.B} {
		if err := r.afterCall(ctx, id, e.Duration); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) ReportCreated(ctx context.Context, e events.ReportEvent) error {
	return r.store.CreateReport(ctx, store.Report{
		ReporterID:     e.ReporterID,
		ReportedUserID: e.ReportedUserID,
		SessionID:      e.SessionID,
		Reason:         e.Reason,
		Details:        e.Details,
		CreatedAt:      e.CreatedAt,
	})
}

func (r *Recorder) afterCall(ctx context.Context, id string, duration int) error {
	u, err := r.store.AddCallStats(ctx, id, duration)
	if errors.Is(err, store.ErrNotFound) {
		// The lookup at queue entry creates users, so this only happens
		// when that write was lost.
		if u, err = r.store.GetOrCreateUser(ctx, id, ""); err == nil {
			u, err = r.store.AddCallStats(ctx, id, duration)
		}
	}
	if err != nil {
		return err
	}

	reports, err := r.store.CountRecentReports(ctx, id, ReportWindow)
	if err != nil {
		return err
	}

	stats := moderation.Stats{
		TotalCalls:    u.TotalCalls,
		TotalDuration: u.TotalDuration,
		RecentReports: reports,
		AbuseScore:    u.AbuseScore,
	}

	if v := moderation.DetectSuspicious(stats); v.Suspicious {
		return r.flag(ctx, id, v.Reason)
	}

	if next := moderation.NextTrustLevel(u.Trust, stats); next != u.Trust {
		if err := r.store.SetTrustLevel(ctx, id, next); err != nil {
			return err
		}
		r.log.Info("trust level changed",
			zap.String("user", id),
			zap.String("from", string(u.Trust)),
			zap.String("to", string(next)))
	}
	return nil
}

func (r *Recorder) flag(ctx context.Context, id, reason string) error {
	score, err := r.store.BumpAbuseScore(ctx, id, 1)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("user", id),
		zap.String("reason", reason),
		zap.Int("abuse_score", score),
	}
	if r.bans != nil {
		d, err := r.bans.Escalate(ctx, id, reason)
		if err != nil {
			return err
		}
		fields = append(fields, zap.Duration("ban", d))
	}
	r.log.Warn("suspicious behaviour", fields...)
	return nil
}

func toCallSession(e events.CallEvent) store.CallSession {
	return store.CallSession{
		ID:         e.SessionID,
		User1ID:    e.A,
		User2ID:    e.B,
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
		Duration:   e.Duration,
		EndedBy:    e.EndedBy,
		Quality:    e.Quality,
		Reconnects: e.Reconnects,
	}
}
