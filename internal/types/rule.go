package types

import "time"

// RuleCategory groups rules by the kind of outcome they drive
type RuleCategory string

const (
	CategoryEscalation RuleCategory = "escalation"
	CategoryTransfer   RuleCategory = "transfer"
	CategoryVoicemail  RuleCategory = "voicemail"
	CategoryCallback   RuleCategory = "callback"
	CategoryCustom     RuleCategory = "custom"
)

// Valid reports whether c is a known category.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryEscalation, CategoryTransfer, CategoryVoicemail, CategoryCallback, CategoryCustom:
		return true
	}
	return false
}

// PredicateKind tags a trigger predicate variant
type PredicateKind string

const (
	PredicateKeywords     PredicateKind = "keywords"
	PredicateSentiment    PredicateKind = "sentiment"
	PredicateDuration     PredicateKind = "duration"
	PredicateUnrecognized PredicateKind = "unrecognized"
)

// Predicate is one condition of a trigger. Only the field matching Kind is set.
type Predicate struct {
	Kind       PredicateKind `json:"kind"`
	Keywords   []string      `json:"keywords,omitempty"`
	Sentiment  Sentiment     `json:"sentiment,omitempty"`
	MinElapsed time.Duration `json:"minElapsed,omitempty"`
	Raw        string        `json:"raw,omitempty"` // original key of an unrecognized predicate
}

// TriggerCondition matches when every predicate matches
type TriggerCondition struct {
	Predicates []Predicate `json:"predicates"`
}

// Recognized reports whether the trigger can be evaluated at all.
func (t TriggerCondition) Recognized() bool {
	if len(t.Predicates) == 0 {
		return false
	}
	for _, p := range t.Predicates {
		if p.Kind == PredicateUnrecognized {
			return false
		}
	}
	return true
}

// ActionKind tags a rule action variant
type ActionKind string

const (
	ActionTransfer     ActionKind = "transfer"
	ActionVoicemail    ActionKind = "voicemail"
	ActionCallback     ActionKind = "callback"
	ActionCustom       ActionKind = "custom"
	ActionUnrecognized ActionKind = "unrecognized"
)

// CustomEffect is the declarative payload of a custom action
type CustomEffect struct {
	Say     string  `json:"say,omitempty"`
	EndCall bool    `json:"endCall,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// Action is the effect taken when a rule fires. Only the fields for Kind are set.
type Action struct {
	Kind          ActionKind    `json:"kind"`
	TransferTo    string        `json:"transferTo,omitempty"`
	Message       string        `json:"message,omitempty"` // spoken before transfer or callback hang-up
	Prompt        string        `json:"prompt,omitempty"`  // voicemail greeting
	CallbackDelay time.Duration `json:"callbackDelay,omitempty"`
	Custom        *CustomEffect `json:"custom,omitempty"`
	Raw           string        `json:"raw,omitempty"`
}

// Rule is a business-authored trigger/action pair
type Rule struct {
	ID         string           `json:"id"`
	BusinessID string           `json:"businessId"`
	AgentID    string           `json:"agentId,omitempty"` // empty applies to every agent of the business
	Label      string           `json:"label"`
	Category   RuleCategory     `json:"category"`
	Trigger    TriggerCondition `json:"trigger"`
	Action     Action           `json:"action"`
	Priority   int              `json:"priority"`
	Active     bool             `json:"active"`
}

// Usable reports whether the rule can ever fire.
func (r Rule) Usable() bool {
	return r.Active && r.Category.Valid() && r.Trigger.Recognized() && r.Action.Kind != ActionUnrecognized && r.Action.Kind != ""
}
