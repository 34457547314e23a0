// Package rules loads business rule sets and decodes their loosely typed
// trigger and action documents into the closed variants in types.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/altiora-ai/callcore/internal/types"
)

// RawRule is a rule as stored, with free-form trigger and action documents
type RawRule struct {
	ID         string         `yaml:"id" json:"id"`
	BusinessID string         `yaml:"business_id" json:"business_id"`
	AgentID    string         `yaml:"agent_id" json:"agent_id"`
	Label      string         `yaml:"label" json:"label"`
	Category   string         `yaml:"category" json:"category"`
	Trigger    map[string]any `yaml:"trigger" json:"trigger"`
	Action     map[string]any `yaml:"action" json:"action"`
	Priority   int            `yaml:"priority" json:"priority"`
	Active     bool           `yaml:"active" json:"active"`
}

// Decode converts a stored rule. Unknown trigger keys and action types are
// kept as unrecognized variants so the rule is skipped rather than dropped
// silently at load time.
func Decode(raw RawRule) types.Rule {
	return types.Rule{
		ID:         raw.ID,
		BusinessID: raw.BusinessID,
		AgentID:    raw.AgentID,
		Label:      raw.Label,
		Category:   types.RuleCategory(strings.ToLower(strings.TrimSpace(raw.Category))),
		Trigger:    decodeTrigger(raw.Trigger),
		Action:     decodeAction(raw.Action),
		Priority:   raw.Priority,
		Active:     raw.Active,
	}
}

func decodeTrigger(doc map[string]any) types.TriggerCondition {
	// map order is random; sort keys so decoded rules compare stably
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tc types.TriggerCondition
	for _, k := range keys {
		v := doc[k]
		switch k {
		case "keywords", "keyword":
			words := stringList(v)
			if len(words) == 0 {
				tc.Predicates = append(tc.Predicates, unrecognized(k))
				continue
			}
			tc.Predicates = append(tc.Predicates, types.Predicate{Kind: types.PredicateKeywords, Keywords: words})
		case "sentiment":
			s, _ := v.(string)
			level, ok := types.ParseSentiment(s)
			if !ok {
				tc.Predicates = append(tc.Predicates, unrecognized(k))
				continue
			}
			tc.Predicates = append(tc.Predicates, types.Predicate{Kind: types.PredicateSentiment, Sentiment: level})
		case "duration_secs", "min_duration_secs":
			secs, ok := number(v)
			if !ok || secs < 0 {
				tc.Predicates = append(tc.Predicates, unrecognized(k))
				continue
			}
			tc.Predicates = append(tc.Predicates, types.Predicate{
				Kind:       types.PredicateDuration,
				MinElapsed: time.Duration(secs * float64(time.Second)),
			})
		default:
			tc.Predicates = append(tc.Predicates, unrecognized(k))
		}
	}
	return tc
}

func unrecognized(key string) types.Predicate {
	return types.Predicate{Kind: types.PredicateUnrecognized, Raw: key}
}

func decodeAction(doc map[string]any) types.Action {
	kind, _ := doc["type"].(string)
	kind = strings.ToLower(strings.TrimSpace(kind))
	message, _ := doc["message"].(string)

	switch types.ActionKind(kind) {
	case types.ActionTransfer:
		to, _ := doc["to"].(string)
		if to == "" {
			to, _ = doc["number"].(string)
		}
		if to == "" {
			return types.Action{Kind: types.ActionUnrecognized, Raw: "transfer without destination"}
		}
		return types.Action{Kind: types.ActionTransfer, TransferTo: to, Message: message}
	case types.ActionVoicemail:
		prompt, _ := doc["prompt"].(string)
		return types.Action{Kind: types.ActionVoicemail, Prompt: prompt}
	case types.ActionCallback:
		var delay time.Duration
		if m, ok := number(doc["delay_minutes"]); ok {
			delay = time.Duration(m * float64(time.Minute))
		} else if s, ok := number(doc["delay_secs"]); ok {
			delay = time.Duration(s * float64(time.Second))
		}
		if delay < 0 {
			return types.Action{Kind: types.ActionUnrecognized, Raw: "negative callback delay"}
		}
		return types.Action{Kind: types.ActionCallback, CallbackDelay: delay, Message: message}
	case types.ActionCustom:
		say, _ := doc["say"].(string)
		end, _ := doc["end_call"].(bool)
		outcome, _ := doc["outcome"].(string)
		if say == "" && !end {
			return types.Action{Kind: types.ActionUnrecognized, Raw: "custom action with no effect"}
		}
		return types.Action{Kind: types.ActionCustom, Custom: &types.CustomEffect{
			Say:     say,
			EndCall: end,
			Outcome: types.Outcome(outcome),
		}}
	}
	return types.Action{Kind: types.ActionUnrecognized, Raw: fmt.Sprintf("type %q", kind)}
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
