package speech

import (
	"context"
	"math"
	"sync"

	"github.com/altiora-ai/callcore/internal/audio"
)

// MockRecognizer always hears the same sentence.
type MockRecognizer struct {
	Text string
}

// Recognize implements Recognizer.
func (m *MockRecognizer) Recognize(ctx context.Context, _ []byte) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, err
	}
	text := m.Text
	if text == "" {
		text = "Hello, this is a test."
	}
	return Recognition{Text: text}, nil
}

var mockReplies = []string{
	"I understand. Let me help you with that.",
	"That's a great question.",
	"Is there anything else I can help you with?",
}

// MockGenerator cycles through canned replies.
type MockGenerator struct {
	mu   sync.Mutex
	next int
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, _ []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reply := mockReplies[m.next%len(mockReplies)]
	m.next++
	return reply, nil
}

// MockSynthesizer renders a fading 440 Hz tone whose length follows the text.
type MockSynthesizer struct{}

// Synthesize implements Synthesizer.
func (MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seconds := math.Max(1, float64(len(text))*0.06)
	n := int(seconds * audio.TelephonyRate)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / audio.TelephonyRate
		amp := 8000 * math.Max(0, 1-t/seconds)
		samples[i] = int16(amp * math.Sin(2*math.Pi*440*t))
	}
	return audio.EncodeMulaw(samples), nil
}
