package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/voice-app/internal/matching"
)

// UpsertPreferences stores the filters a user last joined the queue with.
func (s *Store) UpsertPreferences(ctx context.Context, userID string, p matching.Preferences) error {
	countries, err := jsonOrNil(p.Countries)
	if err != nil {
		return err
	}
	languages, err := jsonOrNil(p.Languages)
	if err != nil {
		return err
	}
	moods, err := jsonOrNil(p.Moods)
	if err != nil {
		return err
	}
	var ageRange interface{}
	if p.AgeRange != nil {
		data, err := json.Marshal(p.AgeRange)
		if err != nil {
			return fmt.Errorf("store: marshal age range: %w", err)
		}
		ageRange = string(data)
	}

	const query = `
		INSERT INTO match_preferences (user_id, countries, languages, age_range, moods, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET countries = EXCLUDED.countries,
		    languages = EXCLUDED.languages,
		    age_range = EXCLUDED.age_range,
		    moods = EXCLUDED.moods,
		    updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, userID, countries, languages, ageRange, moods); err != nil {
		return fmt.Errorf("store: upsert preferences: %w", err)
	}
	return nil
}

// GetPreferences returns the stored filters or ErrNotFound.
func (s *Store) GetPreferences(ctx context.Context, userID string) (matching.Preferences, error) {
	const query = `
		SELECT countries, languages, age_range, moods
		FROM match_preferences WHERE user_id = $1`

	var countries, languages, ageRange, moods []byte
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&countries, &languages, &ageRange, &moods)
	if err != nil {
		return matching.Preferences{}, notFound(err, "get preferences")
	}

	var p matching.Preferences
	for _, f := range []struct {
		raw    []byte
		target interface{}
	}{
		{countries, &p.Countries},
		{languages, &p.Languages},
		{moods, &p.Moods},
		{ageRange, &p.AgeRange},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.target); err != nil {
			return matching.Preferences{}, fmt.Errorf("store: decode preferences: %w", err)
		}
	}
	return p, nil
}

// jsonOrNil encodes a non-empty list as JSON text and maps an empty one to
// NULL. lib/pq sends []byte as bytea, so JSONB parameters go as strings.
func jsonOrNil(list []string) (interface{}, error) {
	if len(list) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("store: marshal list: %w", err)
	}
	return string(data), nil
}
