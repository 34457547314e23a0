package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/action"
	"github.com/altiora-ai/callcore/internal/pipeline"
	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/speech"
	"github.com/altiora-ai/callcore/internal/types"
)

type scriptRecognizer struct {
	mu    sync.Mutex
	lines []speech.Recognition
	next  int
}

func (r *scriptRecognizer) Recognize(ctx context.Context, _ []byte) (speech.Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return speech.Recognition{Text: "just checking in"}, nil
	}
	line := r.lines[r.next]
	if r.next < len(r.lines)-1 {
		r.next++
	}
	return line, nil
}

// countingGenerator numbers its replies and stalls on call slowOn
type countingGenerator struct {
	mu     sync.Mutex
	calls  int
	slowOn int
}

func (g *countingGenerator) Generate(ctx context.Context, _ []speech.Message) (string, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == g.slowOn {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fmt.Sprintf("reply %d", n), nil
}

type shortSynth struct{}

func (shortSynth) Synthesize(context.Context, string) ([]byte, error) {
	return []byte{0x7f, 0x7f, 0x7f, 0x7f}, nil
}

type testSink struct {
	mu      sync.Mutex
	played  int
	cleared int
	block   bool
}

func (s *testSink) Play(ctx context.Context, _ []byte) error {
	s.mu.Lock()
	s.played++
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *testSink) Clear() error {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
	return nil
}

func (s *testSink) setBlock(b bool) {
	s.mu.Lock()
	s.block = b
	s.mu.Unlock()
}

func (s *testSink) counts() (played, cleared int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played, s.cleared
}

type fakeTelephony struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTelephony) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTelephony) Transfer(_ context.Context, _, _, to, _ string) error {
	f.record("transfer:" + to)
	return nil
}

func (f *fakeTelephony) Voicemail(context.Context, string, string, string) error {
	f.record("voicemail")
	return nil
}

func (f *fakeTelephony) Hangup(context.Context, string, string) error {
	f.record("hangup")
	return nil
}

func (f *fakeTelephony) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.WebhookEvent
}

func (n *recordingNotifier) Notify(ev types.WebhookEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []types.WebhookEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.WebhookEvent(nil), n.events...)
}

func (n *recordingNotifier) transcripts() []types.TranscriptPayload {
	var out []types.TranscriptPayload
	for _, ev := range n.all() {
		if p, ok := ev.Payload.(types.TranscriptPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type staticRules struct {
	raw []rules.RawRule
}

func (s staticRules) Snapshot(_ context.Context, businessID, agentID string) (rules.Snapshot, error) {
	return rules.NewSnapshot(businessID, agentID, s.raw, time.Now()), nil
}

type harness struct {
	mgr      *Manager
	notifier *recordingNotifier
	tel      *fakeTelephony
}

func newHarness(t *testing.T, raw []rules.RawRule, rec speech.Recognizer, gen speech.Generator, timeouts speech.Timeouts) *harness {
	t.Helper()
	gw := speech.NewGateway(rec, gen, shortSynth{}, timeouts, zerolog.Nop())
	gw.Warm(context.Background(), pipeline.FillerText)
	tel := &fakeTelephony{}
	n := &recordingNotifier{}
	mgr := NewManager(ManagerConfig{
		Session:           Config{ConnectTimeout: 2 * time.Second, HistoryLimit: 20},
		DefaultBusinessID: "biz",
		DefaultAgentID:    "agent-1",
		Retain:            time.Minute,
	}, Deps{
		Gateway:  gw,
		Executor: action.NewExecutor(tel, nil, time.Millisecond, zerolog.Nop()),
		Notifier: n,
	}, staticRules{raw: raw}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return &harness{mgr: mgr, notifier: n, tel: tel}
}

func (h *harness) start(t *testing.T, ref string) string {
	t.Helper()
	call, err := h.mgr.Start(context.Background(), types.CallRequest{
		FromNumber: "+15550111", ToNumber: "+15550199", ProviderCallRef: ref,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return call.CallID
}

// speak sends one caller utterance and waits until the transcript has want lines.
func (h *harness) speak(t *testing.T, callID string, want int) {
	t.Helper()
	h.mgr.SpeechEnded(callID, make([]byte, 3200))
	waitFor(t, fmt.Sprintf("%d transcript lines", want), func() bool {
		return len(h.notifier.transcripts()) >= want
	})
}

func (h *harness) state(callID string) types.CallState {
	call, _ := h.mgr.Get(callID)
	return call.State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func escalationRule() rules.RawRule {
	return rules.RawRule{
		ID:         "escalate",
		BusinessID: "biz",
		Label:      "Escalate frustrated callers",
		Category:   "escalation",
		Priority:   10,
		Active:     true,
		Trigger:    map[string]any{"keywords": []any{"manager"}, "sentiment": "frustrated"},
		Action:     map[string]any{"type": "transfer", "to": "+1234567890"},
	}
}

func TestEscalationTransfersCall(t *testing.T) {
	rec := &scriptRecognizer{lines: []speech.Recognition{
		{Text: "I want to speak to the manager", Sentiment: types.SentimentFrustrated},
	}}
	h := newHarness(t, []rules.RawRule{escalationRule()}, rec, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA100")

	if _, err := h.mgr.AttachMedia(callID, "", &testSink{}); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitFor(t, "greeting", func() bool { return len(h.notifier.transcripts()) == 1 })

	h.mgr.SpeechEnded(callID, make([]byte, 3200))
	waitFor(t, "transfer command", func() bool { return len(h.tel.Calls()) == 1 })
	if got := h.tel.Calls()[0]; got != "transfer:+1234567890" {
		t.Fatalf("expected transfer to +1234567890, got %s", got)
	}
	if st := h.state(callID); st != types.CallStateActing {
		t.Fatalf("expected acting while transfer is pending, got %s", st)
	}

	waitFor(t, "transfer confirmed", func() bool { return h.mgr.TransferResult(callID, true) })
	waitFor(t, "ended", func() bool { return h.state(callID) == types.CallStateEnded })

	call, _ := h.mgr.Get(callID)
	if call.Outcome != types.OutcomeTransferred {
		t.Errorf("expected outcome transferred, got %s", call.Outcome)
	}
	if len(call.FiredRules) != 1 || call.FiredRules[0] != "escalate" {
		t.Errorf("expected escalate fired, got %v", call.FiredRules)
	}
	if call.Sentiment != types.SentimentFrustrated {
		t.Errorf("expected frustrated sentiment, got %s", call.Sentiment)
	}

	events := h.notifier.all()
	wantKinds := []types.WebhookKind{types.WebhookCallStarted, types.WebhookTranscript, types.WebhookTranscript, types.WebhookCallEnded}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d", len(wantKinds), len(events))
	}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] || ev.Seq != int64(i+1) {
			t.Errorf("event %d: got %s seq %d, want %s seq %d", i, ev.Kind, ev.Seq, wantKinds[i], i+1)
		}
	}
}

func TestDeclinedTransferResumesConversation(t *testing.T) {
	rec := &scriptRecognizer{lines: []speech.Recognition{
		{Text: "get me a manager now", Sentiment: types.SentimentFrustrated},
	}}
	h := newHarness(t, []rules.RawRule{escalationRule()}, rec, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA101")
	h.mgr.AttachMedia(callID, "", &testSink{})
	waitFor(t, "greeting", func() bool { return len(h.notifier.transcripts()) == 1 })

	h.mgr.SpeechEnded(callID, make([]byte, 3200))
	waitFor(t, "acting", func() bool { return h.state(callID) == types.CallStateActing })
	waitFor(t, "transfer command", func() bool { return len(h.tel.Calls()) == 1 })

	// the old stream closing must not end the call
	oldSink := &testSink{}
	h.mgr.MediaStopped(callID, oldSink)

	waitFor(t, "transfer declined", func() bool { return h.mgr.TransferResult(callID, false) })
	if st := h.state(callID); st != types.CallStateActive {
		t.Fatalf("expected active after decline, got %s", st)
	}

	h.mgr.AttachMedia(callID, "CA101", &testSink{})
	waitFor(t, "resume line", func() bool {
		lines := h.notifier.transcripts()
		return len(lines) == 3 && lines[2].Message == TransferDeclinedText
	})

	// the rule already fired and stays excluded
	h.speak(t, callID, 5)
	if st := h.state(callID); st != types.CallStateActive {
		t.Errorf("expected call to continue, got %s", st)
	}
}

func TestBargeInDiscardsAgentUtterance(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA200")

	sink := &testSink{block: true}
	h.mgr.AttachMedia(callID, "", sink)
	waitFor(t, "greeting playback", func() bool { p, _ := sink.counts(); return p == 1 })

	h.mgr.SpeechStarted(callID)
	waitFor(t, "clear", func() bool { _, c := sink.counts(); return c == 1 })
	sink.setBlock(false)

	h.speak(t, callID, 2)
	lines := h.notifier.transcripts()
	if lines[0].Speaker != types.SpeakerCaller {
		t.Fatalf("interrupted greeting must not be transcribed, first line is %+v", lines[0])
	}
	if lines[1].Speaker != types.SpeakerAgent || lines[1].Message != "reply 1" {
		t.Errorf("unexpected agent line %+v", lines[1])
	}

	if !h.mgr.Hangup("CA200", types.OutcomeCompleted) {
		t.Fatal("hangup not delivered")
	}
	waitFor(t, "ended", func() bool { return h.state(callID) == types.CallStateEnded })
	call, _ := h.mgr.Get(callID)
	if call.Outcome != types.OutcomeCompleted {
		t.Errorf("expected completed, got %s", call.Outcome)
	}
}

func TestConversationWithoutRulesCompletes(t *testing.T) {
	h := newHarness(t, []rules.RawRule{escalationRule()}, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA300")
	sink := &testSink{}
	h.mgr.AttachMedia(callID, "", sink)
	waitFor(t, "greeting", func() bool { return len(h.notifier.transcripts()) == 1 })

	for turn := 1; turn <= 10; turn++ {
		h.speak(t, callID, 1+2*turn)
	}

	h.mgr.MediaStopped(callID, sink)
	waitFor(t, "ended", func() bool { return h.state(callID) == types.CallStateEnded })

	call, _ := h.mgr.Get(callID)
	if call.Outcome != types.OutcomeCompleted {
		t.Errorf("expected completed, got %s", call.Outcome)
	}
	if call.Turns != 10 {
		t.Errorf("expected 10 turns, got %d", call.Turns)
	}
	if calls := h.tel.Calls(); len(calls) != 0 {
		t.Errorf("expected no telephony actions, got %v", calls)
	}
	if call.ActiveAt == nil || call.EndedAt == nil {
		t.Fatal("expected active and end timestamps")
	}
	want := call.EndedAt.Sub(*call.ActiveAt).Seconds()
	if call.DurationSecs != want || call.DurationSecs < 0 {
		t.Errorf("duration %v does not match active window %v", call.DurationSecs, want)
	}
}

func TestGenerationTimeoutUsesFiller(t *testing.T) {
	gen := &countingGenerator{slowOn: 3}
	h := newHarness(t, nil, &scriptRecognizer{}, gen, speech.Timeouts{Generation: 50 * time.Millisecond})
	callID := h.start(t, "CA400")
	h.mgr.AttachMedia(callID, "", &testSink{})
	waitFor(t, "greeting", func() bool { return len(h.notifier.transcripts()) == 1 })

	for turn := 1; turn <= 4; turn++ {
		h.speak(t, callID, 1+2*turn)
	}

	lines := h.notifier.transcripts()
	third := lines[6]
	if third.Message != pipeline.FillerText || !third.Degraded {
		t.Errorf("expected degraded filler on turn 3, got %+v", third)
	}
	if lines[8].Message != "reply 4" {
		t.Errorf("expected normal reply after degraded turn, got %q", lines[8].Message)
	}
	call, _ := h.mgr.Get(callID)
	if call.State != types.CallStateActive {
		t.Errorf("call must continue, got %s", call.State)
	}
	if call.DegradedTurns != 1 {
		t.Errorf("expected 1 degraded turn, got %d", call.DegradedTurns)
	}
}

func TestHigherPriorityRuleFiresFirst(t *testing.T) {
	custom := func(id string, priority int) rules.RawRule {
		return rules.RawRule{
			ID: id, BusinessID: "biz", Category: "custom", Priority: priority, Active: true,
			Trigger: map[string]any{"keywords": []any{"refund"}},
			Action:  map[string]any{"type": "custom", "say": "Noted " + id},
		}
	}
	rec := &scriptRecognizer{lines: []speech.Recognition{{Text: "I need a refund"}}}
	h := newHarness(t, []rules.RawRule{custom("low", 5), custom("high", 20)}, rec, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA500")
	h.mgr.AttachMedia(callID, "", &testSink{})
	waitFor(t, "greeting", func() bool { return len(h.notifier.transcripts()) == 1 })

	h.speak(t, callID, 3)
	call, _ := h.mgr.Get(callID)
	if len(call.FiredRules) != 1 || call.FiredRules[0] != "high" {
		t.Fatalf("expected only high fired, got %v", call.FiredRules)
	}
	if got := h.notifier.transcripts()[2].Message; got != "Noted high" {
		t.Errorf("expected custom line, got %q", got)
	}

	h.speak(t, callID, 5)
	call, _ = h.mgr.Get(callID)
	if len(call.FiredRules) != 2 {
		t.Errorf("expected low to fire on the next utterance, got %v", call.FiredRules)
	}
	if call.State != types.CallStateActive {
		t.Errorf("custom actions keep the call active, got %s", call.State)
	}
}

func TestConnectTimeoutEndsAsNoAnswer(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	h.mgr.cfg.Session.ConnectTimeout = 30 * time.Millisecond
	callID := h.start(t, "CA600")

	waitFor(t, "ended", func() bool { return h.state(callID) == types.CallStateEnded })
	call, _ := h.mgr.Get(callID)
	if call.Outcome != types.OutcomeNoAnswer {
		t.Errorf("expected no-answer, got %s", call.Outcome)
	}
	if call.DurationSecs != 0 {
		t.Errorf("unanswered call must have zero duration, got %v", call.DurationSecs)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	callID := h.start(t, "CA700")
	h.mgr.AttachMedia(callID, "", &testSink{})

	h.mgr.Hangup("CA700", types.OutcomeCompleted)
	waitFor(t, "ended", func() bool { return h.state(callID) == types.CallStateEnded })
	h.mgr.Hangup("CA700", types.OutcomeFailed)
	h.mgr.End(callID, types.OutcomeFailed)

	ended := 0
	for _, ev := range h.notifier.all() {
		if ev.Kind == types.WebhookCallEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("expected one call-ended event, got %d", ended)
	}
	call, _ := h.mgr.Get(callID)
	if call.Outcome != types.OutcomeCompleted {
		t.Errorf("first end wins, got %s", call.Outcome)
	}
}

func TestStartIsIdempotentPerProviderRef(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	first := h.start(t, "CA800")
	second := h.start(t, "CA800")
	if first != second {
		t.Errorf("expected one session per provider ref, got %s and %s", first, second)
	}
	if n := len(h.mgr.List()); n != 1 {
		t.Errorf("expected 1 tracked session, got %d", n)
	}
}

type dialingTelephony struct {
	*fakeTelephony
	ref string
	err error
}

func (d dialingTelephony) Originate(_ context.Context, to, _, _ string) (string, error) {
	d.record("originate:" + to)
	return d.ref, d.err
}

func TestOutboundCallStartedCarriesProviderRef(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	h.mgr.SetCallControl(dialingTelephony{fakeTelephony: h.tel, ref: "CA900"})

	call, err := h.mgr.PlaceCall(context.Background(), types.CallRequest{ToNumber: "+15550123"})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	waitFor(t, "call-started", func() bool { return len(h.notifier.all()) >= 1 })

	ev := h.notifier.all()[0]
	p, ok := ev.Payload.(types.CallStartedPayload)
	if ev.Kind != types.WebhookCallStarted || !ok || ev.Seq != 1 {
		t.Fatalf("expected call-started first, got %+v", ev)
	}
	if p.ProviderCallRef != "CA900" || p.Direction != types.DirectionOutbound {
		t.Errorf("unexpected call-started payload %+v", p)
	}
	if call.ProviderCallRef != "CA900" {
		t.Errorf("expected returned call bound to CA900, got %q", call.ProviderCallRef)
	}
}

func TestFailedOriginateStillAnnouncesBeforeEnding(t *testing.T) {
	h := newHarness(t, nil, &scriptRecognizer{}, &countingGenerator{}, speech.Timeouts{})
	h.mgr.SetCallControl(dialingTelephony{fakeTelephony: h.tel, err: fmt.Errorf("busy")})

	call, err := h.mgr.PlaceCall(context.Background(), types.CallRequest{ToNumber: "+15550123"})
	if err == nil {
		t.Fatal("expected originate error")
	}
	waitFor(t, "ended", func() bool { return h.state(call.CallID) == types.CallStateEnded })
	waitFor(t, "call-ended", func() bool { return len(h.notifier.all()) >= 2 })

	events := h.notifier.all()
	if events[0].Kind != types.WebhookCallStarted || events[1].Kind != types.WebhookCallEnded {
		t.Fatalf("expected call-started then call-ended, got %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("unexpected sequence numbers %d, %d", events[0].Seq, events[1].Seq)
	}
}
