// Package pipeline drives the recognize, generate, synthesize and play
// cycle of a call. Stage work runs on its own goroutines and reports back
// through the owning session's mailbox, so the session stays the only
// writer of call state.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/speech"
	"github.com/altiora-ai/callcore/internal/types"
)

const (
	// GreetingText opens every answered call
	GreetingText = "Hello! Thanks for calling. How can I help you today?"
	// FillerText is spoken when a stage fails or times out
	FillerText = "I'm having trouble. Please repeat."
	// MinTranscriptLen drops recognitions shorter than this as noise
	MinTranscriptLen = 2
)

// Sink plays agent audio to the caller
type Sink interface {
	// Play streams 8 kHz mu-law audio and returns once the caller has heard
	// it or ctx is cancelled.
	Play(ctx context.Context, mulaw []byte) error
	// Clear drops any audio still buffered on the telephony side.
	Clear() error
}

// Phase is what the orchestrator is currently doing for the turn in flight
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecognizing
	PhaseResponding
	PhasePlaying
)

func (p Phase) String() string {
	switch p {
	case PhaseRecognizing:
		return "recognizing"
	case PhaseResponding:
		return "responding"
	case PhasePlaying:
		return "playing"
	}
	return "idle"
}

// Recognized is posted when recognition for a turn finishes
type Recognized struct {
	Turn        int
	Recognition speech.Recognition
	LatencyMs   int64
	Err         error
}

// Responded is posted when the agent's line for a turn is ready to play
type Responded struct {
	Turn      int
	Text      string
	Audio     []byte
	Latencies types.StageLatencies
	Degraded  bool
	Err       error // set only when the turn was cancelled
}

// Played is posted when playback for a turn ends
type Played struct {
	Turn int
	Err  error
}

// Config holds orchestrator settings
type Config struct {
	SystemPrompt string
	HistoryLimit int // caller and agent utterances sent to the generator
}

// Orchestrator runs turns for one call. All methods must be called from
// the owning session goroutine; results arrive through post.
type Orchestrator struct {
	gw     *speech.Gateway
	cfg    Config
	post   func(any)
	logger zerolog.Logger

	parent context.Context
	sinkMu sync.RWMutex
	sink   Sink

	turn    int
	phase   Phase
	turnCtx context.Context
	cancel  context.CancelFunc
}

// New creates an Orchestrator whose work is bounded by ctx.
func New(ctx context.Context, gw *speech.Gateway, cfg Config, post func(any), logger zerolog.Logger) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Orchestrator{
		gw:     gw,
		cfg:    cfg,
		post:   post,
		logger: logger,
		parent: ctx,
	}
}

// SetSink attaches or replaces the media output, e.g. after a stream reconnect.
func (o *Orchestrator) SetSink(s Sink) {
	o.sinkMu.Lock()
	o.sink = s
	o.sinkMu.Unlock()
}

func (o *Orchestrator) currentSink() Sink {
	o.sinkMu.RLock()
	defer o.sinkMu.RUnlock()
	return o.sink
}

// Turn returns the ID of the turn in flight.
func (o *Orchestrator) Turn() int { return o.turn }

// Phase returns the phase of the turn in flight.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Busy reports whether a turn is in flight.
func (o *Orchestrator) Busy() bool { return o.phase != PhaseIdle }

// Listen starts a new turn by recognizing pcm. Any turn in flight is cancelled.
func (o *Orchestrator) Listen(pcm []byte) int {
	ctx := o.next(PhaseRecognizing)
	turn := o.turn
	go func() {
		rec, d, err := o.gw.Recognize(ctx, pcm)
		o.post(Recognized{Turn: turn, Recognition: rec, LatencyMs: d.Milliseconds(), Err: err})
	}()
	return turn
}

// Respond generates and synthesizes the reply for the current turn.
func (o *Orchestrator) Respond(history []types.Utterance, recognitionMs int64) {
	ctx := o.stageCtx(PhaseResponding)
	turn := o.turn
	messages := BuildMessages(o.cfg.SystemPrompt, history, o.cfg.HistoryLimit)
	go func() {
		lat := types.StageLatencies{RecognitionMs: recognitionMs}
		text, d, err := o.gw.Generate(ctx, messages)
		lat.GenerationMs = d.Milliseconds()
		degraded := false
		if err != nil {
			if ctx.Err() != nil {
				o.post(Responded{Turn: turn, Err: ctx.Err()})
				return
			}
			o.logger.Warn().Err(err).Str("stage", string(speech.StageGeneration)).Int("turn", turn).Msg("Generation failed, using filler")
			text, degraded = FillerText, true
		}
		o.speak(ctx, turn, text, lat, degraded)
	}()
}

// Say synthesizes fixed text as a turn of its own, e.g. the greeting.
func (o *Orchestrator) Say(text string, degraded bool) int {
	ctx := o.next(PhaseResponding)
	turn := o.turn
	go o.speak(ctx, turn, text, types.StageLatencies{}, degraded)
	return turn
}

func (o *Orchestrator) speak(ctx context.Context, turn int, text string, lat types.StageLatencies, degraded bool) {
	audio, d, err := o.gw.Synthesize(ctx, text)
	lat.SynthesisMs = d.Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			o.post(Responded{Turn: turn, Err: ctx.Err()})
			return
		}
		o.logger.Warn().Err(err).Str("stage", string(speech.StageSynthesis)).Int("turn", turn).Msg("Synthesis failed, using cached filler")
		// what the caller hears is the filler, so that is what gets transcribed
		audio, _ = o.gw.Cached(FillerText)
		text, degraded = FillerText, true
	}
	o.post(Responded{Turn: turn, Text: text, Audio: audio, Latencies: lat, Degraded: degraded})
}

// Play streams audio for the current turn.
func (o *Orchestrator) Play(audio []byte) {
	ctx := o.stageCtx(PhasePlaying)
	turn := o.turn
	sink := o.currentSink()
	go func() {
		if sink == nil {
			o.post(Played{Turn: turn, Err: errors.New("no media stream attached")})
			return
		}
		o.post(Played{Turn: turn, Err: sink.Play(ctx, audio)})
	}()
}

// Finish marks the current turn complete.
func (o *Orchestrator) Finish() {
	o.phase = PhaseIdle
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// Interrupt cancels generation, synthesis or playback of the current turn
// and clears telephony-side audio. It reports whether anything was cut off.
func (o *Orchestrator) Interrupt() bool {
	if o.phase != PhaseResponding && o.phase != PhasePlaying {
		return false
	}
	wasPlaying := o.phase == PhasePlaying
	o.Finish()
	if wasPlaying {
		if sink := o.currentSink(); sink != nil {
			if err := sink.Clear(); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to clear media buffer")
			}
		}
	}
	return true
}

// Stop cancels all work; used when the session ends.
func (o *Orchestrator) Stop() {
	o.Finish()
	o.turn++
}

// next cancels any turn in flight and starts a new one.
func (o *Orchestrator) next(phase Phase) context.Context {
	o.Finish()
	o.turn++
	o.turnCtx, o.cancel = context.WithCancel(o.parent)
	o.phase = phase
	return o.turnCtx
}

// stageCtx moves the current turn to phase, starting a turn if none is open.
func (o *Orchestrator) stageCtx(phase Phase) context.Context {
	if o.cancel == nil {
		return o.next(phase)
	}
	o.phase = phase
	return o.turnCtx
}

// BuildMessages turns the transcript tail into generator input.
func BuildMessages(systemPrompt string, history []types.Utterance, limit int) []speech.Message {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	msgs := make([]speech.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, speech.Message{Role: "system", Content: systemPrompt})
	}
	for _, u := range history {
		role := "user"
		if u.Speaker == types.SpeakerAgent {
			role = "assistant"
		}
		msgs = append(msgs, speech.Message{Role: role, Content: u.Text})
	}
	return msgs
}
