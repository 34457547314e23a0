// Package speech wraps the recognition, generation and synthesis providers
// behind a gateway that applies per-stage deadlines.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
)

// Stage names a speech pipeline stage
type Stage string

const (
	StageRecognition Stage = "recognition"
	StageGeneration  Stage = "generation"
	StageSynthesis   Stage = "synthesis"
)

// EmptyReplyText is spoken when the generator returns nothing
const EmptyReplyText = "Sorry, could you repeat?"

// Recognition is the result of transcribing one caller utterance
type Recognition struct {
	Text      string
	Sentiment types.Sentiment // empty when the provider does not label mood
}

// Message is one entry of the conversation history sent to a generator
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Recognizer transcribes 16 kHz 16-bit mono PCM
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte) (Recognition, error)
}

// Generator produces the agent's next line from the conversation so far
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Synthesizer renders text as 8 kHz mu-law audio ready for the media stream
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Timeouts bounds each stage independently
type Timeouts struct {
	Recognition time.Duration
	Generation  time.Duration
	Synthesis   time.Duration
}

// StageError reports a failed or timed out stage call
type StageError struct {
	Stage   Stage
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a stage deadline expiry.
func IsTimeout(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Timeout
}

// Gateway is safe for concurrent use by many sessions.
type Gateway struct {
	recognizer  Recognizer
	generator   Generator
	synthesizer Synthesizer
	timeouts    Timeouts
	logger      zerolog.Logger

	mu    sync.RWMutex
	cache map[string][]byte // pre-rendered audio for fallback phrases
}

// NewGateway creates a Gateway over the three providers.
func NewGateway(r Recognizer, g Generator, s Synthesizer, timeouts Timeouts, logger zerolog.Logger) *Gateway {
	return &Gateway{
		recognizer:  r,
		generator:   g,
		synthesizer: s,
		timeouts:    timeouts,
		logger:      logger,
		cache:       make(map[string][]byte),
	}
}

// Recognize transcribes pcm within the recognition deadline.
func (g *Gateway) Recognize(ctx context.Context, pcm []byte) (Recognition, time.Duration, error) {
	out, d, err := runStage(ctx, StageRecognition, g.timeouts.Recognition, func(ctx context.Context) (Recognition, error) {
		return g.recognizer.Recognize(ctx, pcm)
	})
	out.Text = strings.TrimSpace(out.Text)
	return out, d, err
}

// Generate produces the next agent line within the generation deadline.
func (g *Gateway) Generate(ctx context.Context, messages []Message) (string, time.Duration, error) {
	out, d, err := runStage(ctx, StageGeneration, g.timeouts.Generation, func(ctx context.Context) (string, error) {
		return g.generator.Generate(ctx, messages)
	})
	if err != nil {
		return "", d, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = EmptyReplyText
	}
	return out, d, nil
}

// Synthesize renders text within the synthesis deadline.
func (g *Gateway) Synthesize(ctx context.Context, text string) ([]byte, time.Duration, error) {
	return runStage(ctx, StageSynthesis, g.timeouts.Synthesis, func(ctx context.Context) ([]byte, error) {
		audio, err := g.synthesizer.Synthesize(ctx, text)
		if err == nil && len(audio) == 0 {
			err = errors.New("empty audio")
		}
		return audio, err
	})
}

// Warm pre-renders phrases so they can be played when synthesis is down.
// Failures are logged and skipped.
func (g *Gateway) Warm(ctx context.Context, phrases ...string) {
	for _, p := range phrases {
		audio, _, err := g.Synthesize(ctx, p)
		if err != nil {
			g.logger.Warn().Err(err).Str("phrase", p).Msg("Could not pre-render fallback phrase")
			continue
		}
		g.mu.Lock()
		g.cache[p] = audio
		g.mu.Unlock()
	}
}

// Cached returns pre-rendered audio for text.
func (g *Gateway) Cached(text string) ([]byte, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.cache[text]
	return a, ok
}

type stageResult[T any] struct {
	value T
	err   error
}

// runStage calls fn under the stage deadline. The provider goroutine hands
// its result over the channel only, so an abandoned call never touches what
// the caller returns.
func runStage[T any](ctx context.Context, stage Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	start := time.Now()
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan stageResult[T], 1)
	go func() {
		v, err := fn(stageCtx)
		done <- stageResult[T]{value: v, err: err}
	}()

	var zero T
	var res stageResult[T]
	select {
	case res = <-done:
	case <-stageCtx.Done():
		// providers that ignore ctx are abandoned, their result is dropped
		res.err = stageCtx.Err()
	}
	d := time.Since(start)

	switch err := res.err; {
	case err == nil:
		metrics.Get().RecordStage(string(stage), "ok", d)
		return res.value, d, nil
	case ctx.Err() != nil:
		// caller cancelled, e.g. barge-in or hangup
		metrics.Get().RecordStage(string(stage), "cancelled", d)
		return zero, d, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() != nil:
		metrics.Get().RecordStage(string(stage), "timeout", d)
		return zero, d, &StageError{Stage: stage, Timeout: true, Err: context.DeadlineExceeded}
	default:
		metrics.Get().RecordStage(string(stage), "error", d)
		return zero, d, &StageError{Stage: stage, Err: err}
	}
}
