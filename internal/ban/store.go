// Package ban provides identity-based ban management backed by Redis.
// Ban records are stored as simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<identity>
//	Value: <reason>
//	TTL:   ban duration
//
// A banned identity may stay connected but cannot join the match queue.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for per-identity report counters.
	ReportsPrefix = "reports:"

	// OffensesPrefix is the Redis key prefix for the escalation counter.
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// CounterTTL is how long report and offense counters live in Redis.
	// After 24h without new activity a counter resets to zero.
	CounterTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within CounterTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3

	// ReasonMultipleReports is the ban reason used by ReportAndCheck.
	ReasonMultipleReports = "multiple_reports"
)

// Store manages ban records in Redis.
type Store struct {
	client redis.Cmdable
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// IsBanned checks if an identity is currently banned.
// Returns (isBanned, remainingSeconds, reason, error).
// If the identity is not banned, isBanned is false and the other
// return values are zero/empty. Redis errors are returned so callers
// can decide how to handle them (the recommended policy is fail-open).
func (s *Store) IsBanned(ctx context.Context, identity string) (bool, int, string, error) {
	key := BanPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but its TTL is unreadable; report it with 0 remaining.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Ban sets a ban on an identity with the given duration and reason.
// The ban automatically expires after the specified duration.
func (s *Store) Ban(ctx context.Context, identity string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+identity, reason, duration).Err()
}

// Unban removes a ban from an identity immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	return s.client.Del(ctx, BanPrefix+identity).Err()
}

// ---------------------------------------------------------------------------
// Escalating bans
// ---------------------------------------------------------------------------

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// incrWindow increments key and starts its TTL on the first increment so
// the window does not slide.
func (s *Store) incrWindow(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, CounterTTL).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// GetOffenseCount returns the current offense counter for an identity.
// Returns 0 if the key does not exist (no offenses recorded or counter expired).
func (s *Store) GetOffenseCount(ctx context.Context, identity string) (int, error) {
	return s.getCounter(ctx, OffensesPrefix+identity)
}

// GetReportCount returns the number of reports filed against an identity in
// the current window.
func (s *Store) GetReportCount(ctx context.Context, identity string) (int, error) {
	return s.getCounter(ctx, ReportsPrefix+identity)
}

func (s *Store) getCounter(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Escalate increments the offense counter for an identity and applies a ban
// whose duration escalates with the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, identity string, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, OffensesPrefix+identity)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, identity, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}

	return duration, nil
}

// ReportAndCheck increments the report counter for an identity and checks
// whether the auto-ban threshold (3 reports in 24h) has been reached. Once
// it has, every further report escalates the ban.
// Returns (banned, duration, error).
func (s *Store) ReportAndCheck(ctx context.Context, identity string) (bool, time.Duration, error) {
	count, err := s.incrWindow(ctx, ReportsPrefix+identity)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration, err := s.Escalate(ctx, identity, ReasonMultipleReports)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
