package types

import "time"

// AlertSeverity represents the severity of a session alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// SessionAlert represents an alert condition on a live call
type SessionAlert struct {
	Rule     string        `json:"rule"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// SessionInfo is one live call as shown to operators
type SessionInfo struct {
	CallSession
	ElapsedSecs float64        `json:"elapsedSecs"`
	Alerts      []SessionAlert `json:"alerts,omitempty"`
}

// OverviewSummary contains aggregated counts across live sessions
type OverviewSummary struct {
	TotalSessions    int               `json:"totalSessions"`
	StateBreakdown   map[CallState]int `json:"stateBreakdown"`
	OutcomeBreakdown map[Outcome]int   `json:"outcomeBreakdown,omitempty"` // sessions ended since the last tick
	DegradedTurns    int               `json:"degradedTurns"`
}

// SessionsOverview is the periodic payload pushed to monitor clients.
// It is filtered per client to the businesses the client may see.
type SessionsOverview struct {
	Type      string          `json:"type"` // always "sessions_overview"
	Timestamp time.Time       `json:"timestamp"`
	Summary   OverviewSummary `json:"summary"`
	Sessions  []SessionInfo   `json:"sessions"`
}

// MonitorEvent is a point-in-time notice about a single call
type MonitorEvent struct {
	Type       string     `json:"type"` // "state_change", "utterance", "rule_fired", "degraded_turn"
	CallID     string     `json:"callId"`
	BusinessID string     `json:"businessId"`
	State      CallState  `json:"state,omitempty"`
	Utterance  *Utterance `json:"utterance,omitempty"`
	RuleID     string     `json:"ruleId,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Monitor event types
const (
	MonitorStateChange  = "state_change"
	MonitorUtterance    = "utterance"
	MonitorRuleFired    = "rule_fired"
	MonitorDegradedTurn = "degraded_turn"
)
