package types

import "time"

// CallRecord represents an ended call for DynamoDB persistence
type CallRecord struct {
	DateKey         string   `json:"dateKey" dynamodbav:"DateKey"` // YYYY-MM-DD (partition key)
	CallID          string   `json:"callId" dynamodbav:"CallID"`   // sort key
	BusinessID      string   `json:"businessId" dynamodbav:"BusinessID"`
	AgentID         string   `json:"agentId" dynamodbav:"AgentID"`
	Direction       string   `json:"direction" dynamodbav:"Direction"`
	FromNumber      string   `json:"fromNumber" dynamodbav:"FromNumber"`
	ToNumber        string   `json:"toNumber" dynamodbav:"ToNumber"`
	ProviderCallRef string   `json:"providerCallRef" dynamodbav:"ProviderCallRef"`
	CreatedAt       string   `json:"createdAt" dynamodbav:"CreatedAt"` // RFC3339
	ActiveAt        string   `json:"activeAt" dynamodbav:"ActiveAt"`   // RFC3339, empty if never answered
	EndedAt         string   `json:"endedAt" dynamodbav:"EndedAt"`     // RFC3339
	DurationSecs    float64  `json:"durationSecs" dynamodbav:"DurationSecs"`
	Outcome         string   `json:"outcome" dynamodbav:"Outcome"`
	Sentiment       string   `json:"sentiment" dynamodbav:"Sentiment"`
	Summary         string   `json:"summary" dynamodbav:"Summary"`
	FiredRules      []string `json:"firedRules" dynamodbav:"FiredRules"`
	Turns           int      `json:"turns" dynamodbav:"Turns"`
	DegradedTurns   int      `json:"degradedTurns" dynamodbav:"DegradedTurns"`
	Utterances      int      `json:"utterances" dynamodbav:"Utterances"`
}

// NewCallRecord flattens an ended session into a persistable record.
func NewCallRecord(s CallSession, utterances int) CallRecord {
	rec := CallRecord{
		CallID:          s.CallID,
		BusinessID:      s.BusinessID,
		AgentID:         s.AgentID,
		Direction:       string(s.Direction),
		FromNumber:      s.FromNumber,
		ToNumber:        s.ToNumber,
		ProviderCallRef: s.ProviderCallRef,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		DurationSecs:    s.DurationSecs,
		Outcome:         string(s.Outcome),
		Sentiment:       string(s.Sentiment),
		Summary:         s.Summary,
		FiredRules:      s.FiredRules,
		Turns:           s.Turns,
		DegradedTurns:   s.DegradedTurns,
		Utterances:      utterances,
	}
	if s.ActiveAt != nil {
		rec.ActiveAt = s.ActiveAt.UTC().Format(time.RFC3339)
	}
	end := s.CreatedAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	rec.EndedAt = end.UTC().Format(time.RFC3339)
	rec.DateKey = end.UTC().Format("2006-01-02")
	return rec
}
