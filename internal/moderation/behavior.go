// Package moderation judges participants from their call history. The
// recorder runs it after every finished call to flag likely bots and
// spammers and to promote well-behaved newcomers.
package moderation

import "github.com/whisper/voice-app/internal/matching"

// Reasons attached to a suspicious verdict.
const (
	ReasonMultipleReports = "multiple_reports"
	ReasonShortCalls      = "excessive_short_calls"
	ReasonSpamPattern     = "spam_pattern"
)

// Stats is the call history a verdict is based on.
type Stats struct {
	TotalCalls    int
	TotalDuration int // seconds
	RecentReports int // reports received in the last 24h
	AbuseScore    int
}

// AverageCall returns the mean call length in seconds, 0 without calls.
func (s Stats) AverageCall() int {
	if s.TotalCalls == 0 {
		return 0
	}
	return s.TotalDuration / s.TotalCalls
}

// Verdict is the outcome of DetectSuspicious.
type Verdict struct {
	Suspicious bool
	Reason     string
}

// behaviorCheck pairs a detection function with the reason it reports.
type behaviorCheck struct {
	reason string
	match  func(Stats) bool
}

// behaviorChecks is the ordered list applied by DetectSuspicious. The first
// match wins.
var behaviorChecks = []behaviorCheck{
	{reason: ReasonMultipleReports, match: func(s Stats) bool {
		return s.RecentReports > 3
	}},
	{reason: ReasonShortCalls, match: func(s Stats) bool {
		return s.TotalCalls > 10 && s.AverageCall() < 10
	}},
	{reason: ReasonSpamPattern, match: func(s Stats) bool {
		return s.TotalCalls > 20 && s.AverageCall() < 15
	}},
}

// DetectSuspicious flags histories that look like abuse: more than three
// recent reports, or many calls that are on average too short to be real
// conversations.
func DetectSuspicious(s Stats) Verdict {
	for _, c := range behaviorChecks {
		if c.match(s) {
			return Verdict{Suspicious: true, Reason: c.reason}
		}
	}
	return Verdict{}
}

// Promotion thresholds for new participants.
const (
	PromoteMinCalls    = 5
	PromoteMinDuration = 600 // seconds across all calls
)

// NextTrustLevel returns the level a participant should hold after a call.
// A new participant with a clean record becomes regular once they have
// PromoteMinCalls calls totalling PromoteMinDuration seconds. Other levels
// are never changed here.
func NextTrustLevel(current matching.TrustLevel, s Stats) matching.TrustLevel {
	if current != matching.TrustNew {
		return current
	}
	if s.AbuseScore > 0 || s.RecentReports > 0 {
		return current
	}
	if s.TotalCalls >= PromoteMinCalls && s.TotalDuration >= PromoteMinDuration {
		return matching.TrustRegular
	}
	return current
}
