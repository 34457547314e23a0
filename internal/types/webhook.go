package types

import (
	"fmt"
	"time"
)

// WebhookKind names the lifecycle notification
type WebhookKind string

const (
	WebhookCallStarted WebhookKind = "call-started"
	WebhookTranscript  WebhookKind = "transcript"
	WebhookCallEnded   WebhookKind = "call-ended"
)

// CallStartedPayload is delivered when a session is created
type CallStartedPayload struct {
	BusinessID      string    `json:"business_id"`
	AgentID         string    `json:"agent_id"`
	Direction       Direction `json:"direction"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	ProviderCallRef string    `json:"provider_call_ref"`
	StartedAt       time.Time `json:"started_at"`
}

// TranscriptPayload is delivered for every committed utterance
type TranscriptPayload struct {
	Speaker        Speaker        `json:"speaker"`
	Message        string         `json:"message"`
	TimestampSecs  float64        `json:"timestamp_secs"`
	Sentiment      Sentiment      `json:"sentiment,omitempty"`
	StageLatencies StageLatencies `json:"stage_latencies"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// NewTranscriptPayload builds the webhook body for a committed utterance.
func NewTranscriptPayload(u Utterance) TranscriptPayload {
	return TranscriptPayload{
		Speaker:        u.Speaker,
		Message:        u.Text,
		TimestampSecs:  u.Offset.Seconds(),
		Sentiment:      u.Sentiment,
		StageLatencies: u.Latencies,
		Degraded:       u.Degraded,
	}
}

// CallEndedPayload is delivered once when the session ends
type CallEndedPayload struct {
	DurationSecs float64   `json:"duration_secs"`
	Outcome      Outcome   `json:"outcome"`
	Sentiment    Sentiment `json:"sentiment"`
	Summary      string    `json:"summary"`
	FiredRules   []string  `json:"fired_rules,omitempty"`
	EndedAt      time.Time `json:"ended_at"`
}

// WebhookEvent is one lifecycle notification for the backend.
// (CallID, Kind, Seq) identifies it for idempotent delivery.
type WebhookEvent struct {
	CallID    string      `json:"call_id" dynamodbav:"CallID"`
	Kind      WebhookKind `json:"kind" dynamodbav:"Kind"`
	Seq       int64       `json:"seq" dynamodbav:"Seq"`
	CreatedAt time.Time   `json:"created_at" dynamodbav:"CreatedAt"`
	Payload   any         `json:"payload" dynamodbav:"-"`
}

// IdempotencyKey is the delivery dedupe key for the event.
func (e WebhookEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", e.CallID, e.Kind, e.Seq)
}

// DeliveryFailure records an event whose retry budget was exhausted
type DeliveryFailure struct {
	CallID     string      `json:"callId" dynamodbav:"CallID"`     // partition key
	EventKey   string      `json:"eventKey" dynamodbav:"EventKey"` // sort key, the idempotency key
	Kind       WebhookKind `json:"kind" dynamodbav:"Kind"`
	Seq        int64       `json:"seq" dynamodbav:"Seq"`
	Attempts   int         `json:"attempts" dynamodbav:"Attempts"`
	LastError  string      `json:"lastError" dynamodbav:"LastError"`
	Body       string      `json:"body" dynamodbav:"Body"`         // serialized event
	FailedAt   string      `json:"failedAt" dynamodbav:"FailedAt"` // RFC3339
	BusinessID string      `json:"businessId,omitempty" dynamodbav:"BusinessID,omitempty"`
}

// OutboxEntry is a persisted event not yet acknowledged or given up on
type OutboxEntry struct {
	CallID    string `json:"callId" dynamodbav:"CallID"` // partition key
	Seq       int64  `json:"seq" dynamodbav:"Seq"`       // sort key
	Kind      string `json:"kind" dynamodbav:"Kind"`
	Body      string `json:"body" dynamodbav:"Body"` // JSON of the event
	CreatedAt string `json:"createdAt" dynamodbav:"CreatedAt"`
	// backend call ID from the call-started ack, empty until acknowledged
	RemoteCallID string `json:"remoteCallId,omitempty" dynamodbav:"RemoteCallID,omitempty"`
}
