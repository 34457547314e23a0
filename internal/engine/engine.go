// Package engine evaluates a call's rule snapshot against conversation state.
package engine

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/sentiment"
	"github.com/altiora-ai/callcore/internal/types"
)

// KeywordWindow is how many recent caller utterances keyword predicates search
const KeywordWindow = 3

// State is the conversation summary a rule is evaluated against
type State struct {
	RecentCaller []string        // most recent caller utterances, oldest first
	Sentiment    types.Sentiment // rolling estimate
	HasSentiment bool            // false before any caller utterance was classified
	Elapsed      time.Duration   // time since the call became active
}

type compiledRule struct {
	rule     types.Rule
	keywords [][]string // tokenized phrases, any one matches
}

// Engine evaluates rules for a single call. Not safe for concurrent use;
// the owning session calls it from its own goroutine.
type Engine struct {
	rules  []compiledRule
	fired  map[string]bool
	window int
	logger zerolog.Logger
}

// New creates an Engine over an ordered snapshot.
func New(snap rules.Snapshot, logger zerolog.Logger) *Engine {
	e := &Engine{
		fired:  make(map[string]bool),
		window: KeywordWindow,
		logger: logger,
	}
	for _, r := range snap.Rules {
		if !r.Usable() {
			continue
		}
		cr := compiledRule{rule: r}
		for _, p := range r.Trigger.Predicates {
			if p.Kind != types.PredicateKeywords {
				continue
			}
			for _, kw := range p.Keywords {
				if toks := sentiment.Tokenize(kw); len(toks) > 0 {
					cr.keywords = append(cr.keywords, toks)
				}
			}
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// SetWindow changes how many recent caller utterances keywords are searched in.
func (e *Engine) SetWindow(n int) {
	if n > 0 {
		e.window = n
	}
}

// Evaluate returns the highest-priority rule whose trigger matches and that
// has not fired on this call, or nil. The returned rule is marked as fired.
func (e *Engine) Evaluate(st State) *types.Rule {
	var window [][]string
	start := len(st.RecentCaller) - e.window
	if start < 0 {
		start = 0
	}
	for _, text := range st.RecentCaller[start:] {
		window = append(window, sentiment.Tokenize(text))
	}

	for i := range e.rules {
		cr := &e.rules[i]
		if e.fired[cr.rule.ID] {
			continue
		}
		if !e.matches(cr, window, st) {
			continue
		}
		e.fired[cr.rule.ID] = true
		e.logger.Info().Str("rule_id", cr.rule.ID).Str("category", string(cr.rule.Category)).
			Int("priority", cr.rule.Priority).Msg("Rule matched")
		r := cr.rule
		return &r
	}
	return nil
}

// Fired returns the IDs of rules that have fired on this call.
func (e *Engine) Fired() []string {
	var ids []string
	for _, cr := range e.rules {
		if e.fired[cr.rule.ID] {
			ids = append(ids, cr.rule.ID)
		}
	}
	return ids
}

// Len returns the number of evaluable rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

func (e *Engine) matches(cr *compiledRule, window [][]string, st State) bool {
	for _, p := range cr.rule.Trigger.Predicates {
		switch p.Kind {
		case types.PredicateKeywords:
			if !anyPhrase(cr.keywords, window) {
				return false
			}
		case types.PredicateSentiment:
			if !st.HasSentiment || !st.Sentiment.AtOrBelow(p.Sentiment) {
				return false
			}
		case types.PredicateDuration:
			if st.Elapsed < p.MinElapsed {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func anyPhrase(phrases [][]string, window [][]string) bool {
	for _, utter := range window {
		for _, phrase := range phrases {
			if containsPhrase(utter, phrase) {
				return true
			}
		}
	}
	return false
}

func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, w := range phrase {
			if !strings.EqualFold(tokens[i+j], w) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
