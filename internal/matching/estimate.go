package matching

import "time"

// Priority is a coarse hint of how easy a participant is to pair.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Estimate returns the queue priority and expected wait for the given
// preferences. Fewer filters match more people, so no filters is the fastest.
func Estimate(p Preferences) (Priority, time.Duration) {
	filters := len(p.Countries) + len(p.Languages) + len(p.Moods)
	switch {
	case filters == 0:
		return PriorityHigh, 5 * time.Second
	case filters <= 3:
		return PriorityMedium, 15 * time.Second
	default:
		return PriorityLow, 30 * time.Second
	}
}
