package alerts

import (
	"fmt"
	"time"

	"github.com/altiora-ai/callcore/internal/types"
)

const (
	// LongCallAfter flags calls active for longer than this
	LongCallAfter = 15 * time.Minute
	// DegradedTurnLimit flags calls with at least this many degraded turns
	DegradedTurnLimit = 3
)

// CheckSessionAlerts evaluates alert rules for a slice of sessions,
// mutating each session's Alerts field in place.
func CheckSessionAlerts(sessions []types.SessionInfo, now time.Time) {
	for i := range sessions {
		s := &sessions[i]
		s.Alerts = nil
		if s.State == types.CallStateEnded {
			continue
		}

		if dur := s.Elapsed(now); dur > LongCallAfter {
			s.Alerts = append(s.Alerts, types.SessionAlert{
				Rule:     "call_long",
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("On call for %s", formatDuration(dur)),
			})
		}

		if s.DegradedTurns >= DegradedTurnLimit {
			s.Alerts = append(s.Alerts, types.SessionAlert{
				Rule:     "degraded_turns",
				Severity: types.SeverityCritical,
				Message:  fmt.Sprintf("%d degraded turns", s.DegradedTurns),
			})
		}
	}
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
