// Package matching pairs waiting participants. It holds the in-memory
// matchmaking queue, the compatibility score used to rank candidates, and the
// timer-driven retry loop for participants that are still waiting.
package matching

import "time"

// TrustLevel is the reputation signal attached to a participant by the
// persistence layer.
type TrustLevel string

const (
	TrustNew      TrustLevel = "new"
	TrustVerified TrustLevel = "verified"
	TrustRegular  TrustLevel = "regular"
)

// ParseTrustLevel maps a stored label to a TrustLevel. Unknown or empty labels
// are treated as new.
func ParseTrustLevel(s string) TrustLevel {
	switch TrustLevel(s) {
	case TrustVerified:
		return TrustVerified
	case TrustRegular:
		return TrustRegular
	default:
		return TrustNew
	}
}

// Score weights.
const (
	baseScore      = 100
	countryBonus   = 20
	languageBonus  = 30
	moodBonus      = 15
	abusePenalty   = 5
	regularBonus   = 10
	DefaultMinimum = 50 // a pair must score strictly above this to commit
)

// AgeRange is an inclusive age preference. It is stored with the participant
// but does not take part in scoring.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Preferences are the filters a participant joined the queue with.
type Preferences struct {
	Countries []string  `json:"countries,omitempty"`
	Languages []string  `json:"languages,omitempty"`
	Moods     []string  `json:"moods,omitempty"`
	AgeRange  *AgeRange `json:"ageRange,omitempty"`
}

// Participant is a queue entry.
type Participant struct {
	ID          string
	JoinedAt    time.Time
	Preferences Preferences
	AbuseScore  int
	Trust       TrustLevel
}

// Score computes the compatibility of a and b. Higher is better and the
// result is never negative.
func Score(a, b Participant) int {
	score := baseScore

	if intersects(a.Preferences.Countries, b.Preferences.Countries) {
		score += countryBonus
	}
	if intersects(a.Preferences.Languages, b.Preferences.Languages) {
		score += languageBonus
	}
	if intersects(a.Preferences.Moods, b.Preferences.Moods) {
		score += moodBonus
	}

	score -= abusePenalty * nonNegative(a.AbuseScore)
	score -= abusePenalty * nonNegative(b.AbuseScore)

	if a.Trust == TrustRegular {
		score += regularBonus
	}
	if b.Trust == TrustRegular {
		score += regularBonus
	}

	if score < 0 {
		return 0
	}
	return score
}

// intersects reports whether the two sets share at least one value. Empty or
// nil sets never intersect.
func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; ok {
			return true
		}
	}
	return false
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
