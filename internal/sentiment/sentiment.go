// Package sentiment estimates caller mood from utterance text.
package sentiment

import (
	"strings"
	"unicode"

	"github.com/altiora-ai/callcore/internal/types"
)

// Classifier labels a single utterance
type Classifier interface {
	Classify(text string) types.Sentiment
}

// Lexicon is a word-list classifier. It scores each utterance by summing
// term weights; strong negative markers short-circuit to frustrated.
type Lexicon struct {
	weights    map[string]int
	frustrated []string // phrases that mark frustration outright
}

// NewLexicon returns a Lexicon with the built-in English word list.
func NewLexicon() *Lexicon {
	return &Lexicon{
		weights: map[string]int{
			"thanks": 2, "thank": 2, "great": 2, "perfect": 2, "awesome": 2,
			"good": 1, "helpful": 1, "appreciate": 2, "wonderful": 2, "excellent": 2,
			"bad": -1, "problem": -1, "issue": -1, "wrong": -1, "broken": -1,
			"unhappy": -2, "disappointed": -2, "annoyed": -2, "terrible": -2, "awful": -2,
			"cancel": -1, "refund": -1, "complaint": -2, "angry": -3, "furious": -3,
			"ridiculous": -3, "unacceptable": -3, "worst": -3, "hate": -3, "useless": -3,
		},
		frustrated: []string{
			"speak to a human", "speak to a person", "real person", "this is ridiculous",
			"fed up", "sick of", "waste of time", "not listening", "for the last time",
		},
	}
}

// Classify implements Classifier.
func (l *Lexicon) Classify(text string) types.Sentiment {
	lower := strings.ToLower(text)
	for _, p := range l.frustrated {
		if strings.Contains(lower, p) {
			return types.SentimentFrustrated
		}
	}

	score := 0
	negated := false
	for _, w := range Tokenize(lower) {
		if w == "not" || w == "no" || w == "never" || w == "don't" || w == "dont" {
			negated = true
			continue
		}
		v := l.weights[w]
		if negated && v > 0 {
			v = -v
		}
		score += v
		negated = false
	}

	switch {
	case score <= -3:
		return types.SentimentFrustrated
	case score < 0:
		return types.SentimentNegative
	case score > 0:
		return types.SentimentPositive
	default:
		return types.SentimentNeutral
	}
}

// Tokenize lowercases text and splits it into words, keeping apostrophes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Tracker keeps the rolling estimate over the most recent caller utterances.
// The estimate is the worst label in the window. Not safe for concurrent use.
type Tracker struct {
	window int
	labels []types.Sentiment
}

// NewTracker creates a Tracker over the last window labels.
func NewTracker(window int) *Tracker {
	if window < 1 {
		window = 1
	}
	return &Tracker{window: window}
}

// Observe records a label and returns the updated estimate.
func (t *Tracker) Observe(s types.Sentiment) types.Sentiment {
	t.labels = append(t.labels, s)
	if len(t.labels) > t.window {
		t.labels = t.labels[len(t.labels)-t.window:]
	}
	return t.Current()
}

// Current returns the estimate, neutral before any observation.
func (t *Tracker) Current() types.Sentiment {
	if len(t.labels) == 0 {
		return types.SentimentNeutral
	}
	worst := t.labels[0]
	for _, s := range t.labels[1:] {
		if s.Rank() < worst.Rank() {
			worst = s
		}
	}
	return worst
}

// Known reports whether any utterance has been observed.
func (t *Tracker) Known() bool {
	return len(t.labels) > 0
}
