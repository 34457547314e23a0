// Package session runs one actor per call: it owns the call's lifecycle
// state and serializes telephony signals, stage results and rule actions
// through a single mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/action"
	"github.com/altiora-ai/callcore/internal/engine"
	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/pipeline"
	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/sentiment"
	"github.com/altiora-ai/callcore/internal/speech"
	"github.com/altiora-ai/callcore/internal/transcript"
	"github.com/altiora-ai/callcore/internal/types"
)

var (
	// ErrUnknownCall is returned when a signal names no tracked call
	ErrUnknownCall = errors.New("unknown call")
	// ErrSessionEnded is returned when a signal reaches an ended call
	ErrSessionEnded = errors.New("session ended")
)

// TransferDeclinedText is spoken when the caller is back after a transfer nobody took
const TransferDeclinedText = "Sorry, nobody could take your call right now. Is there anything else I can help with?"

// Notifier receives lifecycle and transcript events
type Notifier interface {
	Notify(ev types.WebhookEvent)
}

// RecordStore persists ended calls
type RecordStore interface {
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
}

// Monitor receives live events for operator dashboards
type Monitor interface {
	Publish(ev types.MonitorEvent)
}

// Config holds per-session settings
type Config struct {
	ConnectTimeout time.Duration // Connecting longer than this ends as no-answer
	KeywordWindow  int
	Greeting       string
	SystemPrompt   string
	HistoryLimit   int
	ActionTimeout  time.Duration
}

// Deps are the collaborators shared by all sessions
type Deps struct {
	Gateway    *speech.Gateway
	Executor   *action.Executor
	Classifier sentiment.Classifier
	Notifier   Notifier
	Store      RecordStore
	Monitor    Monitor
}

type (
	mediaAttached  struct{ sink pipeline.Sink }
	speechStarted  struct{}
	speechEnded    struct{ pcm []byte }
	mediaStopped   struct{ sink pipeline.Sink }
	hangup         struct{ outcome types.Outcome }
	forceEnd       struct{ outcome types.Outcome }
	bindRef        struct{ ref string }
	actionDone     struct{ res action.Result }
	transferResult struct {
		answered bool
		reply    chan bool
	}
)

// Session is the actor for one call
type Session struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
	onEnd  func(types.CallSession)

	mailbox chan any
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// owned by the run goroutine
	call        types.CallSession
	engine      *engine.Engine
	bus         *transcript.Bus
	tracker     *sentiment.Tracker
	orch        *pipeline.Orchestrator
	seq         int64
	pending     []byte        // caller audio that ended while a recognition was running
	awaiting    types.Outcome // outcome to record once a hand-off is confirmed
	resume      bool          // speak TransferDeclinedText on the next media attach
	lastRule    *types.Rule
	firstCaller string
	sink        pipeline.Sink
	announced   bool // call-started emitted

	snapMu sync.RWMutex
	snap   types.CallSession
}

func newSession(call types.CallSession, snap rules.Snapshot, cfg Config, deps Deps, onEnd func(types.CallSession), logger zerolog.Logger) *Session {
	if cfg.KeywordWindow <= 0 {
		cfg.KeywordWindow = engine.KeywordWindow
	}
	if cfg.Greeting == "" {
		cfg.Greeting = pipeline.GreetingText
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if deps.Classifier == nil {
		deps.Classifier = sentiment.NewLexicon()
	}

	log := logger.With().Str("call_id", call.CallID).Str("business_id", call.BusinessID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  log,
		now:     time.Now,
		onEnd:   onEnd,
		mailbox: make(chan any, 64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		call:    call,
		engine:  engine.New(snap, log),
		bus:     transcript.NewBus(call.CallID, call.CreatedAt),
		tracker: sentiment.NewTracker(cfg.KeywordWindow),
	}
	s.engine.SetWindow(cfg.KeywordWindow)
	s.orch = pipeline.New(ctx, deps.Gateway, pipeline.Config{
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
	}, func(m any) { s.post(m) }, log)

	s.bus.Subscribe(func(u types.Utterance) {
		s.emit(types.WebhookTranscript, types.NewTranscriptPayload(u))
		s.monitor(types.MonitorEvent{Type: types.MonitorUtterance, Utterance: &u})
	})
	s.publish()
	return s
}

// start announces the call and begins processing signals.
func (s *Session) start() {
	metrics.Get().RecordSessionStart()
	// outbound calls are announced once the provider has assigned a reference
	if s.call.ProviderCallRef != "" || s.call.Direction != types.DirectionOutbound {
		s.announce()
	}
	s.logger.Info().
		Str("direction", string(s.call.Direction)).
		Int("rules", s.engine.Len()).
		Msg("Session created")
	go s.run()
}

// CallID returns the session's call identifier.
func (s *Session) CallID() string { return s.call.CallID }

// Snapshot returns a copy of the call as of the last state change.
func (s *Session) Snapshot() types.CallSession {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.FiredRules = append([]string(nil), s.snap.FiredRules...)
	return snap
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// AttachMedia connects the caller's media path.
func (s *Session) AttachMedia(sink pipeline.Sink) error {
	if !s.post(mediaAttached{sink: sink}) {
		return ErrSessionEnded
	}
	return nil
}

// SpeechStarted signals voiced caller audio.
func (s *Session) SpeechStarted() { s.post(speechStarted{}) }

// SpeechEnded hands over a finished caller utterance as 16 kHz PCM.
func (s *Session) SpeechEnded(pcm []byte) { s.post(speechEnded{pcm: pcm}) }

// MediaStopped signals that the media stream behind sink closed.
func (s *Session) MediaStopped(sink pipeline.Sink) { s.post(mediaStopped{sink: sink}) }

// Hangup signals the provider reported the call over.
func (s *Session) Hangup(outcome types.Outcome) bool { return s.post(hangup{outcome: outcome}) }

// End terminates the session with outcome.
func (s *Session) End(outcome types.Outcome) bool { return s.post(forceEnd{outcome: outcome}) }

// TransferResult reports whether a pending transfer was answered. It
// returns false when no transfer was pending.
func (s *Session) TransferResult(answered bool) bool {
	reply := make(chan bool, 1)
	if !s.post(transferResult{answered: answered, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		select {
		case ok := <-reply:
			return ok
		default:
			return false
		}
	}
}

func (s *Session) bindRef(ref string) { s.post(bindRef{ref: ref}) }

func (s *Session) post(msg any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()

	for s.call.State != types.CallStateEnded {
		select {
		case msg := <-s.mailbox:
			s.handle(msg)
		case <-timer.C:
			if s.call.State == types.CallStateConnecting {
				s.logger.Warn().Dur("timeout", s.cfg.ConnectTimeout).Msg("Media never connected")
				s.end(types.OutcomeNoAnswer)
			}
		}
	}
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case mediaAttached:
		s.onMediaAttached(m.sink)
	case speechStarted:
		if s.call.State == types.CallStateActive {
			s.bargeIn()
		}
	case speechEnded:
		s.onSpeechEnded(m.pcm)
	case mediaStopped:
		// during an action the stream is replaced by provider TwiML, and a
		// replaced stream may report its close late
		if s.call.State == types.CallStateActive && m.sink == s.sink {
			s.end(types.OutcomeCompleted)
		}
	case hangup:
		s.onHangup(m.outcome)
	case forceEnd:
		s.end(m.outcome)
	case bindRef:
		s.call.ProviderCallRef = m.ref
		s.publish()
		if !s.announced {
			s.announce()
		}
	case transferResult:
		m.reply <- s.onTransferResult(m.answered)
	case actionDone:
		s.onActionDone(m.res)
	case pipeline.Recognized:
		s.onRecognized(m)
	case pipeline.Responded:
		s.onResponded(m)
	case pipeline.Played:
		s.onPlayed(m)
	}
}

func (s *Session) onMediaAttached(sink pipeline.Sink) {
	s.sink = sink
	s.orch.SetSink(sink)
	switch s.call.State {
	case types.CallStateConnecting:
		now := s.now()
		s.call.ActiveAt = &now
		s.setState(types.CallStateActive)
		s.orch.Say(s.cfg.Greeting, false)
	case types.CallStateActive:
		if s.resume {
			s.resume = false
			s.orch.Say(TransferDeclinedText, false)
		}
	}
}

// bargeIn cancels the agent turn in flight, if any.
func (s *Session) bargeIn() {
	if !s.orch.Interrupt() {
		return
	}
	discarded := s.bus.Discard()
	metrics.Get().RecordBargeIn()
	metrics.Get().RecordTurn("interrupted")
	s.logger.Info().Int("turn", s.orch.Turn()).Bool("discarded", discarded).Msg("Barge-in, agent turn cancelled")
}

func (s *Session) onSpeechEnded(pcm []byte) {
	if s.call.State != types.CallStateActive {
		return
	}
	switch s.orch.Phase() {
	case pipeline.PhaseRecognizing:
		s.pending = append(s.pending, pcm...)
		return
	case pipeline.PhaseResponding, pipeline.PhasePlaying:
		s.bargeIn()
	}
	s.orch.Listen(pcm)
}

func (s *Session) listenPending() bool {
	if len(s.pending) == 0 {
		return false
	}
	pcm := s.pending
	s.pending = nil
	s.orch.Listen(pcm)
	return true
}

func (s *Session) stale(turn int, phase pipeline.Phase) bool {
	return s.call.State != types.CallStateActive || turn != s.orch.Turn() || s.orch.Phase() != phase
}

func (s *Session) onRecognized(m pipeline.Recognized) {
	if s.stale(m.Turn, pipeline.PhaseRecognizing) {
		return
	}
	if m.Err != nil {
		s.logger.Warn().Err(m.Err).Int("turn", m.Turn).Str("stage", string(speech.StageRecognition)).Msg("Recognition failed")
		if !s.listenPending() {
			s.orch.Say(pipeline.FillerText, true)
		}
		return
	}

	text := strings.TrimSpace(m.Recognition.Text)
	if utf8.RuneCountInString(text) < pipeline.MinTranscriptLen {
		metrics.Get().RecordTurn("ignored")
		s.orch.Finish()
		s.listenPending()
		return
	}

	label := m.Recognition.Sentiment
	if label == "" {
		label = s.deps.Classifier.Classify(text)
	}
	s.call.Sentiment = s.tracker.Observe(label)
	s.bus.Publish(types.Utterance{
		Speaker:   types.SpeakerCaller,
		Text:      text,
		Sentiment: label,
		Latencies: types.StageLatencies{RecognitionMs: m.LatencyMs},
	})
	s.call.Turns++
	if s.firstCaller == "" {
		s.firstCaller = text
	}
	s.publish()

	if rule := s.evaluate(); rule != nil {
		s.act(*rule)
		return
	}
	if s.listenPending() {
		return
	}
	s.orch.Respond(s.bus.All(), m.LatencyMs)
}

func (s *Session) evaluate() *types.Rule {
	recent := s.bus.Recent(types.SpeakerCaller, s.cfg.KeywordWindow)
	texts := make([]string, len(recent))
	for i, u := range recent {
		texts[i] = u.Text
	}
	return s.engine.Evaluate(engine.State{
		RecentCaller: texts,
		Sentiment:    s.tracker.Current(),
		HasSentiment: s.tracker.Known(),
		Elapsed:      s.call.Elapsed(s.now()),
	})
}

func (s *Session) onResponded(m pipeline.Responded) {
	if s.stale(m.Turn, pipeline.PhaseResponding) || m.Err != nil {
		return
	}
	if m.Degraded {
		s.call.DegradedTurns++
		metrics.Get().RecordTurn("degraded")
		s.monitor(types.MonitorEvent{Type: types.MonitorDegradedTurn, Detail: m.Text})
		s.publish()
	} else {
		metrics.Get().RecordTurn("ok")
	}
	s.bus.Stage(types.Utterance{
		Speaker:   types.SpeakerAgent,
		Text:      m.Text,
		Latencies: m.Latencies,
		Degraded:  m.Degraded,
	})
	if len(m.Audio) == 0 {
		s.finishTurn()
		return
	}
	s.orch.Play(m.Audio)
}

func (s *Session) onPlayed(m pipeline.Played) {
	if s.stale(m.Turn, pipeline.PhasePlaying) {
		return
	}
	if m.Err != nil {
		s.logger.Warn().Err(m.Err).Int("turn", m.Turn).Msg("Playback failed")
		s.bus.Discard()
		s.orch.Finish()
		return
	}
	s.finishTurn()
}

func (s *Session) finishTurn() {
	s.bus.Commit()
	s.orch.Finish()
}

func (s *Session) act(rule types.Rule) {
	s.orch.Stop()
	s.bus.Discard()
	s.pending = nil
	s.lastRule = &rule
	s.call.FiredRules = s.engine.Fired()
	metrics.Get().RecordRuleFired(rule.Category)
	s.monitor(types.MonitorEvent{Type: types.MonitorRuleFired, RuleID: rule.ID, Detail: rule.Label})
	s.setState(types.CallStateActing)

	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.cfg.ActionTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.ActionTimeout)
	}
	call := s.call
	go func() {
		defer cancel()
		res := s.deps.Executor.Execute(ctx, call, rule)
		s.post(actionDone{res: res})
	}()
}

func (s *Session) onActionDone(res action.Result) {
	if s.call.State != types.CallStateActing {
		return
	}
	switch {
	case res.Terminal:
		s.end(res.Outcome)
	case res.AwaitConfirm:
		s.awaiting = res.Outcome
		s.logger.Info().Str("rule_id", res.RuleID).Msg("Waiting for hand-off confirmation")
	default:
		s.setState(types.CallStateActive)
		if res.Say != "" {
			s.orch.Say(res.Say, false)
		}
	}
}

func (s *Session) onTransferResult(answered bool) bool {
	if s.call.State != types.CallStateActing || s.awaiting == "" {
		return false
	}
	if answered {
		s.end(s.awaiting)
		return true
	}
	s.logger.Info().Msg("Transfer declined, resuming conversation")
	s.awaiting = ""
	s.resume = true
	s.setState(types.CallStateActive)
	return true
}

func (s *Session) onHangup(outcome types.Outcome) {
	switch {
	case s.call.State == types.CallStateConnecting && outcome == types.OutcomeCompleted:
		outcome = types.OutcomeNoAnswer
	case s.call.State != types.CallStateConnecting && outcome != types.OutcomeFailed:
		outcome = types.OutcomeCompleted
	}
	s.end(outcome)
}

// end moves the session to Ended. Repeated calls are no-ops.
func (s *Session) end(outcome types.Outcome) {
	if s.call.State == types.CallStateEnded {
		return
	}
	s.orch.Stop()
	s.bus.Discard()
	s.cancel()

	now := s.now()
	s.call.EndedAt = &now
	var duration time.Duration
	if s.call.ActiveAt != nil {
		duration = now.Sub(*s.call.ActiveAt)
		if duration < 0 {
			duration = 0
		}
	}
	s.call.DurationSecs = duration.Seconds()
	s.call.Outcome = outcome
	s.call.Sentiment = s.tracker.Current()
	s.call.FiredRules = s.engine.Fired()
	s.call.Summary = s.summary()
	s.setState(types.CallStateEnded)

	s.emit(types.WebhookCallEnded, types.CallEndedPayload{
		DurationSecs: s.call.DurationSecs,
		Outcome:      outcome,
		Sentiment:    s.call.Sentiment,
		Summary:      s.call.Summary,
		FiredRules:   s.call.FiredRules,
		EndedAt:      now,
	})
	metrics.Get().RecordSessionEnd(outcome, duration)
	s.logger.Info().
		Str("outcome", string(outcome)).
		Float64("duration_secs", s.call.DurationSecs).
		Int("turns", s.call.Turns).
		Int("degraded_turns", s.call.DegradedTurns).
		Msg("Session ended")

	snap := s.Snapshot()
	if s.deps.Store != nil {
		record := types.NewCallRecord(snap, s.bus.Len())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Store.SaveCallRecord(ctx, record); err != nil {
				s.logger.Error().Err(err).Msg("failed to save call record")
			}
		}()
	}
	if s.onEnd != nil {
		s.onEnd(snap)
	}
}

func (s *Session) summary() string {
	var parts []string
	if s.firstCaller != "" {
		text := s.firstCaller
		if r := []rune(text); len(r) > 120 {
			text = string(r[:120]) + "..."
		}
		parts = append(parts, fmt.Sprintf("Caller said %q", text))
	}
	if s.lastRule != nil {
		label := s.lastRule.Label
		if label == "" {
			label = s.lastRule.ID
		}
		parts = append(parts, fmt.Sprintf("rule %q fired", label))
	}
	parts = append(parts, "outcome "+string(s.call.Outcome))
	out := strings.Join(parts, "; ") + "."
	return strings.ToUpper(out[:1]) + out[1:]
}

func (s *Session) setState(st types.CallState) {
	from := s.call.State
	s.call.State = st
	s.publish()
	s.monitor(types.MonitorEvent{Type: types.MonitorStateChange, State: st, Detail: string(from)})
	s.logger.Debug().Str("from", string(from)).Str("to", string(st)).Msg("State change")
}

func (s *Session) publish() {
	snap := s.call
	snap.FiredRules = append([]string(nil), s.call.FiredRules...)
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Session) announce() {
	s.announced = true
	s.emit(types.WebhookCallStarted, types.CallStartedPayload{
		BusinessID:      s.call.BusinessID,
		AgentID:         s.call.AgentID,
		Direction:       s.call.Direction,
		FromNumber:      s.call.FromNumber,
		ToNumber:        s.call.ToNumber,
		ProviderCallRef: s.call.ProviderCallRef,
		StartedAt:       s.call.CreatedAt,
	})
}

func (s *Session) emit(kind types.WebhookKind, payload any) {
	if s.deps.Notifier == nil {
		return
	}
	if kind != types.WebhookCallStarted && !s.announced {
		// an event that beats the provider reference still follows call-started
		s.announce()
	}
	s.seq++
	s.deps.Notifier.Notify(types.WebhookEvent{
		CallID:    s.call.CallID,
		Kind:      kind,
		Seq:       s.seq,
		CreatedAt: s.now(),
		Payload:   payload,
	})
}

func (s *Session) monitor(ev types.MonitorEvent) {
	if s.deps.Monitor == nil {
		return
	}
	ev.CallID = s.call.CallID
	ev.BusinessID = s.call.BusinessID
	ev.Timestamp = s.now()
	s.deps.Monitor.Publish(ev)
}
