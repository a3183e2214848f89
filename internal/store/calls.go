package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CallSession is the analytics row for one call.
type CallSession struct {
	ID         string
	User1ID    string
	User2ID    string
	StartedAt  time.Time
	EndedAt    time.Time // zero while active
	Duration   int
	EndedBy    string
	Quality    string
	Reconnects int
}

// CreateCallSession inserts the session row. Replays of the same session
// are ignored.
func (s *Store) CreateCallSession(ctx context.Context, cs CallSession) error {
	const query = `
		INSERT INTO call_sessions (id, user1_id, user2_id, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, cs.ID, cs.User1ID, cs.User2ID, cs.StartedAt); err != nil {
		return fmt.Errorf("store: create call session: %w", err)
	}
	return nil
}

// EndCallSession stamps the close fields. A session whose start was never
// recorded is inserted whole.
func (s *Store) EndCallSession(ctx context.Context, cs CallSession) error {
	const query = `
		INSERT INTO call_sessions
			(id, user1_id, user2_id, started_at, ended_at, duration, ended_by, connection_quality, reconnects)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at,
		    duration = EXCLUDED.duration,
		    ended_by = EXCLUDED.ended_by,
		    connection_quality = EXCLUDED.connection_quality,
		    reconnects = EXCLUDED.reconnects`

	_, err := s.db.ExecContext(ctx, query,
		cs.ID, cs.User1ID, cs.User2ID, cs.StartedAt,
		cs.EndedAt, cs.Duration, cs.EndedBy, cs.Quality, cs.Reconnects)
	if err != nil {
		return fmt.Errorf("store: end call session: %w", err)
	}
	return nil
}

// GetCallSession returns the session row or ErrNotFound.
func (s *Store) GetCallSession(ctx context.Context, id string) (CallSession, error) {
	const query = `
		SELECT id, user1_id, user2_id, started_at, ended_at, COALESCE(duration, 0),
		       COALESCE(ended_by, ''), COALESCE(connection_quality, ''), reconnects
		FROM call_sessions WHERE id = $1`

	var (
		cs    CallSession
		ended sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&cs.ID, &cs.User1ID, &cs.User2ID,
		&cs.StartedAt, &ended, &cs.Duration, &cs.EndedBy, &cs.Quality, &cs.Reconnects)
	if err != nil {
		return CallSession{}, notFound(err, "get call session")
	}
	cs.EndedAt = ended.Time
	return cs, nil
}
