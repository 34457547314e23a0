package pipeline

import (
	"time"

	"github.com/altiora-ai/callcore/internal/audio"
)

// DetectorConfig tunes end-of-utterance detection
type DetectorConfig struct {
	EnergyThreshold float64       // mean absolute amplitude that counts as speech
	SilenceTimeout  time.Duration // quiet time that ends an utterance
	MinUtterance    time.Duration // shorter utterances are dropped as noise
	MaxUtterance    time.Duration // longer utterances are cut and sent as is
}

// DefaultDetectorConfig returns the production tuning.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		EnergyThreshold: 500,
		SilenceTimeout:  1500 * time.Millisecond,
		MinUtterance:    100 * time.Millisecond,
		MaxUtterance:    30 * time.Second,
	}
}

// Detector splits inbound caller audio into utterances by energy.
// Not safe for concurrent use.
type Detector struct {
	cfg       DetectorConfig
	buf       []byte
	voiced    bool
	lastVoice time.Time
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Feed adds one inbound mu-law frame. It returns true when the frame
// begins a new stretch of speech.
func (d *Detector) Feed(frame []byte, now time.Time) bool {
	started := false
	if Energy(frame) > d.cfg.EnergyThreshold {
		started = !d.voiced
		d.voiced = true
		d.lastVoice = now
	}
	if d.voiced {
		d.buf = append(d.buf, frame...)
	}
	return started
}

// Poll returns the finished utterance once silence has lasted long enough.
func (d *Detector) Poll(now time.Time) ([]byte, bool) {
	if !d.voiced {
		return nil, false
	}
	maxBytes := int(d.cfg.MaxUtterance.Seconds() * audio.TelephonyRate)
	if now.Sub(d.lastVoice) < d.cfg.SilenceTimeout && (maxBytes == 0 || len(d.buf) < maxBytes) {
		return nil, false
	}
	utter := d.buf
	d.Reset()
	if len(utter) < int(d.cfg.MinUtterance.Seconds()*audio.TelephonyRate) {
		return nil, false
	}
	return utter, true
}

// Reset drops buffered audio.
func (d *Detector) Reset() {
	d.buf = nil
	d.voiced = false
}

// Energy returns the mean absolute amplitude of a mu-law frame.
func Energy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range audio.DecodeMulaw(frame) {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(frame))
}
