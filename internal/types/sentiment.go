package types

import "strings"

// Sentiment is the caller mood estimate. Ordered from worst to best.
type Sentiment string

const (
	SentimentFrustrated Sentiment = "frustrated"
	SentimentNegative   Sentiment = "negative"
	SentimentNeutral    Sentiment = "neutral"
	SentimentPositive   Sentiment = "positive"
)

// Rank returns the ordinal of s, lower is worse. Unknown values rank as neutral.
func (s Sentiment) Rank() int {
	switch s {
	case SentimentFrustrated:
		return 0
	case SentimentNegative:
		return 1
	case SentimentPositive:
		return 3
	default:
		return 2
	}
}

// AtOrBelow reports whether s is as bad as or worse than level.
func (s Sentiment) AtOrBelow(level Sentiment) bool {
	return s.Rank() <= level.Rank()
}

// ParseSentiment maps a label to a Sentiment. ok is false for unknown labels.
func ParseSentiment(label string) (Sentiment, bool) {
	switch Sentiment(strings.ToLower(strings.TrimSpace(label))) {
	case SentimentFrustrated:
		return SentimentFrustrated, true
	case SentimentNegative:
		return SentimentNegative, true
	case SentimentNeutral:
		return SentimentNeutral, true
	case SentimentPositive:
		return SentimentPositive, true
	}
	return "", false
}
