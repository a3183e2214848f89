package store

import (
	"context"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment":    true,
	"spam":          true,
	"inappropriate": true,
	"other":         true,
}

// ValidReason reports whether reason is accepted by CreateReport.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Report is a single abuse report filed by one participant about another.
type Report struct {
	ReporterID     string
	ReportedUserID string
	SessionID      string // optional call the report refers to
	Reason         string
	Details        string
	CreatedAt      time.Time
}

// CreateReport inserts an abuse report. The reason is validated against the
// allowed set before insertion.
func (s *Store) CreateReport(ctx context.Context, r Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("store: invalid report reason %q", r.Reason)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_user_id, session_id, reason, details, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)`

	_, err := s.db.ExecContext(ctx, query,
		r.ReporterID,
		r.ReportedUserID,
		r.SessionID,
		r.Reason,
		r.Details,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert report: %w", err)
	}
	return nil
}

// CountRecentReports returns the number of reports filed against a user
// within the given window.
func (s *Store) CountRecentReports(ctx context.Context, reportedUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_user_id = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count recent reports: %w", err)
	}
	return count, nil
}
