package types

import "time"

// CallbackRequest asks for an outbound call back to a caller
type CallbackRequest struct {
	ID         string    `json:"id"`
	CallID     string    `json:"callId"` // the call that scheduled it
	BusinessID string    `json:"businessId"`
	AgentID    string    `json:"agentId"`
	Number     string    `json:"number"`
	Reason     string    `json:"reason,omitempty"` // rule label
	DueAt      time.Time `json:"dueAt"`
	Attempts   int       `json:"attempts"`
}
