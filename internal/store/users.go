package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/voice-app/internal/matching"
)

// User is one anonymous participant, keyed by the browser-generated ID.
type User struct {
	ID            string
	Country       string
	LastSeen      time.Time
	TotalCalls    int
	TotalDuration int // seconds
	AbuseScore    int
	Trust         matching.TrustLevel
	CreatedAt     time.Time
}

// AverageCallSeconds returns the mean call length, 0 without calls.
func (u User) AverageCallSeconds() int {
	if u.TotalCalls == 0 {
		return 0
	}
	return u.TotalDuration / u.TotalCalls
}

const userColumns = `id, COALESCE(country, ''), last_seen, total_calls, total_duration,
	abuse_score, trust_level, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var (
		u     User
		trust string
	)
	err := row.Scan(&u.ID, &u.Country, &u.LastSeen, &u.TotalCalls, &u.TotalDuration,
		&u.AbuseScore, &trust, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	u.Trust = matching.ParseTrustLevel(trust)
	return u, nil
}

// GetUser returns the user or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// GetOrCreateUser returns the user, inserting it on first sight. An
// existing user has last_seen refreshed and keeps its country unless none
// was stored.
func (s *Store) GetOrCreateUser(ctx context.Context, id, country string) (User, error) {
	const query = `
		INSERT INTO users (id, country)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (id) DO UPDATE
		SET last_seen = NOW(),
		    country = COALESCE(users.country, EXCLUDED.country)
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id, country))
	if err != nil {
		return User{}, fmt.Errorf("store: get or create user: %w", err)
	}
	return u, nil
}

// TouchUser records activity at the given time.
func (s *Store) TouchUser(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("store: touch user: %w", err)
	}
	return nil
}

// AddCallStats adds one finished call of the given length and returns the
// updated user.
func (s *Store) AddCallStats(ctx context.Context, id string, durationSec int) (User, error) {
	const query = `
		UPDATE users
		SET total_calls = total_calls + 1,
		    total_duration = total_duration + $2
		WHERE id = $1
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id, durationSec))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: add call stats: %w", err)
	}
	return u, nil
}

// BumpAbuseScore adds delta to the abuse score and returns the new value.
func (s *Store) BumpAbuseScore(ctx context.Context, id string, delta int) (int, error) {
	var score int
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET abuse_score = abuse_score + $2 WHERE id = $1 RETURNING abuse_score`,
		id, delta).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: bump abuse score: %w", err)
	}
	return score, nil
}

// SetTrustLevel stores a new trust label.
func (s *Store) SetTrustLevel(ctx context.Context, id string, level matching.TrustLevel) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET trust_level = $2 WHERE id = $1`, id, string(level))
	if err != nil {
		return fmt.Errorf("store: set trust level: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
