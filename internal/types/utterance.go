package types

import "time"

// Speaker identifies who produced an utterance
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// StageLatencies records how long each speech stage took for a turn
type StageLatencies struct {
	RecognitionMs int64 `json:"recognitionMs,omitempty"`
	GenerationMs  int64 `json:"generationMs,omitempty"`
	SynthesisMs   int64 `json:"synthesisMs,omitempty"`
}

// Utterance is one committed line of the call transcript
type Utterance struct {
	CallID    string         `json:"callId"`
	Seq       int            `json:"seq"`
	Speaker   Speaker        `json:"speaker"`
	Text      string         `json:"text"`
	Offset    time.Duration  `json:"offset"` // since session creation
	Sentiment Sentiment      `json:"sentiment,omitempty"`
	Latencies StageLatencies `json:"latencies"`
	Degraded  bool           `json:"degraded,omitempty"` // fallback text substituted for a failed stage
}
