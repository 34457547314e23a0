package types

import "time"

// CallState represents the lifecycle state of a call session
type CallState string

const (
	CallStateConnecting CallState = "connecting" // Ringing or dialing, no media yet
	CallStateActive     CallState = "active"     // Conversation in progress
	CallStateActing     CallState = "acting"     // A rule action is being carried out
	CallStateEnded      CallState = "ended"      // Terminal
)

// Direction is the direction of a call relative to the business
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Outcome is the terminal classification of a call
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeTransferred       Outcome = "transferred"
	OutcomeVoicemail         Outcome = "voicemail"
	OutcomeCallbackScheduled Outcome = "callback-scheduled"
	OutcomeActionFailed      Outcome = "action-failed"
	OutcomeNoAnswer          Outcome = "no-answer"
	OutcomeFailed            Outcome = "failed"
)

// CallSession is the externally visible snapshot of one call.
// The live session is owned by a single goroutine; this struct is a copy.
type CallSession struct {
	CallID          string     `json:"callId"`
	BusinessID      string     `json:"businessId"`
	AgentID         string     `json:"agentId"`
	Direction       Direction  `json:"direction"`
	FromNumber      string     `json:"fromNumber"`
	ToNumber        string     `json:"toNumber"`
	ProviderCallRef string     `json:"providerCallRef,omitempty"`
	State           CallState  `json:"state"`
	CreatedAt       time.Time  `json:"createdAt"`
	ActiveAt        *time.Time `json:"activeAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSecs    float64    `json:"durationSecs"`
	Sentiment       Sentiment  `json:"sentiment"`
	Outcome         Outcome    `json:"outcome,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	FiredRules      []string   `json:"firedRules,omitempty"`
	Turns           int        `json:"turns"`
	DegradedTurns   int        `json:"degradedTurns"`
}

// Counterpart returns the phone number on the other side of the call.
func (c CallSession) Counterpart() string {
	if c.Direction == DirectionOutbound {
		return c.ToNumber
	}
	return c.FromNumber
}

// Elapsed returns the time spent since the call became active, or zero.
func (c CallSession) Elapsed(now time.Time) time.Duration {
	if c.ActiveAt == nil {
		return 0
	}
	if c.EndedAt != nil {
		return c.EndedAt.Sub(*c.ActiveAt)
	}
	return now.Sub(*c.ActiveAt)
}

// CallRequest describes a call the session manager should start tracking
type CallRequest struct {
	BusinessID      string    `json:"business_id"`
	AgentID         string    `json:"agent_id"`
	Direction       Direction `json:"direction"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	ProviderCallRef string    `json:"provider_call_ref,omitempty"`
}
