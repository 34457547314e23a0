package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

func TestDecodeTrigger(t *testing.T) {
	tests := []struct {
		name       string
		trigger    map[string]any
		recognized bool
		kinds      []types.PredicateKind
	}{
		{
			name:       "keywords and sentiment",
			trigger:    map[string]any{"keywords": []any{"manager"}, "sentiment": "frustrated"},
			recognized: true,
			kinds:      []types.PredicateKind{types.PredicateKeywords, types.PredicateSentiment},
		},
		{
			name:       "duration only",
			trigger:    map[string]any{"duration_secs": 120},
			recognized: true,
			kinds:      []types.PredicateKind{types.PredicateDuration},
		},
		{
			name:       "unknown key",
			trigger:    map[string]any{"keywords": "refund", "weather": "rain"},
			recognized: false,
		},
		{
			name:       "bad sentiment label",
			trigger:    map[string]any{"sentiment": "grumpy"},
			recognized: false,
		},
		{
			name:       "empty trigger",
			trigger:    map[string]any{},
			recognized: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := decodeTrigger(tt.trigger)
			if tc.Recognized() != tt.recognized {
				t.Fatalf("Recognized() = %v, want %v (%+v)", tc.Recognized(), tt.recognized, tc)
			}
			if !tt.recognized {
				return
			}
			if len(tc.Predicates) != len(tt.kinds) {
				t.Fatalf("got %d predicates, want %d", len(tc.Predicates), len(tt.kinds))
			}
			for i, k := range tt.kinds {
				if tc.Predicates[i].Kind != k {
					t.Errorf("predicate %d kind = %s, want %s", i, tc.Predicates[i].Kind, k)
				}
			}
		})
	}
}

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name   string
		action map[string]any
		want   types.ActionKind
	}{
		{"transfer", map[string]any{"type": "transfer", "to": "+15550100"}, types.ActionTransfer},
		{"transfer without number", map[string]any{"type": "transfer"}, types.ActionUnrecognized},
		{"voicemail", map[string]any{"type": "voicemail", "prompt": "Leave a message"}, types.ActionVoicemail},
		{"callback", map[string]any{"type": "callback", "delay_minutes": 30}, types.ActionCallback},
		{"custom", map[string]any{"type": "custom", "say": "We are closed today"}, types.ActionCustom},
		{"custom without effect", map[string]any{"type": "custom"}, types.ActionUnrecognized},
		{"unknown", map[string]any{"type": "fax"}, types.ActionUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeAction(tt.action); got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}

	cb := decodeAction(map[string]any{"type": "callback", "delay_minutes": 30})
	if cb.CallbackDelay != 30*time.Minute {
		t.Errorf("expected 30m delay, got %v", cb.CallbackDelay)
	}
}

func TestNewSnapshotOrdersAndSkips(t *testing.T) {
	transfer := map[string]any{"type": "transfer", "to": "+15550100"}
	trig := map[string]any{"keywords": "manager"}
	raw := []RawRule{
		{ID: "b", Category: "escalation", Trigger: trig, Action: transfer, Priority: 5, Active: true},
		{ID: "a", Category: "escalation", Trigger: trig, Action: transfer, Priority: 5, Active: true},
		{ID: "c", Category: "transfer", Trigger: trig, Action: transfer, Priority: 9, Active: true},
		{ID: "d", Category: "mystery", Trigger: trig, Action: transfer, Priority: 10, Active: true},
		{ID: "e", Category: "transfer", Trigger: trig, Action: transfer, Priority: 20, Active: false},
	}
	snap := NewSnapshot("biz", "agent", raw, time.Now())

	var ids []string
	for _, r := range snap.Rules {
		ids = append(ids, r.ID)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i, ids[i], want[i])
		}
	}
	if len(snap.Skipped) != 1 || snap.Skipped[0] != "d" {
		t.Errorf("expected d skipped, got %v", snap.Skipped)
	}
}

type stubSource struct {
	calls int
	rules []RawRule
	err   error
}

func (s *stubSource) FetchRules(_ context.Context, _, _ string) ([]RawRule, error) {
	s.calls++
	return s.rules, s.err
}

func TestCacheServesStaleOnError(t *testing.T) {
	src := &stubSource{rules: []RawRule{{
		ID: "r1", Category: "voicemail", Active: true,
		Trigger: map[string]any{"duration_secs": 60},
		Action:  map[string]any{"type": "voicemail"},
	}}}
	c := NewCache(src, time.Minute, zerolog.Nop())
	now := time.Now()
	c.now = func() time.Time { return now }

	snap, err := c.Snapshot(context.Background(), "biz", "agent")
	if err != nil || len(snap.Rules) != 1 {
		t.Fatalf("first load: %v, %d rules", err, len(snap.Rules))
	}

	if _, err := c.Snapshot(context.Background(), "biz", "agent"); err != nil || src.calls != 1 {
		t.Fatalf("expected cached hit, got err=%v calls=%d", err, src.calls)
	}

	now = now.Add(2 * time.Minute)
	src.err = errors.New("db down")
	snap, err = c.Snapshot(context.Background(), "biz", "agent")
	if err == nil {
		t.Fatal("expected error to be reported")
	}
	if len(snap.Rules) != 1 {
		t.Errorf("expected stale snapshot with 1 rule, got %d", len(snap.Rules))
	}
}

func TestCacheEmptyOnFirstError(t *testing.T) {
	c := NewCache(&stubSource{err: errors.New("db down")}, time.Minute, zerolog.Nop())
	snap, err := c.Snapshot(context.Background(), "biz", "agent")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(snap.Rules) != 0 || snap.BusinessID != "biz" {
		t.Errorf("expected empty snapshot for biz, got %+v", snap)
	}
}

func TestCacheInvalidate(t *testing.T) {
	src := &stubSource{}
	c := NewCache(src, time.Hour, zerolog.Nop())
	_, _ = c.Snapshot(context.Background(), "biz", "a1")
	_, _ = c.Snapshot(context.Background(), "other", "a1")
	if n := c.Invalidate("biz"); n != 1 {
		t.Errorf("expected 1 entry dropped, got %d", n)
	}
	_, _ = c.Snapshot(context.Background(), "biz", "a1")
	if src.calls != 3 {
		t.Errorf("expected refetch after invalidate, calls=%d", src.calls)
	}
}

func TestFileSourceFiltersByAgent(t *testing.T) {
	doc := `
rules:
  - id: all-agents
    business_id: biz
    category: escalation
    priority: 10
    active: true
    trigger:
      keywords: [manager, supervisor]
      sentiment: frustrated
    action:
      type: transfer
      to: "+15550100"
  - id: other-agent
    business_id: biz
    agent_id: a2
    category: voicemail
    active: true
    trigger:
      duration_secs: 300
    action:
      type: voicemail
  - id: other-business
    business_id: nope
    category: voicemail
    active: true
    trigger:
      duration_secs: 300
    action:
      type: voicemail
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	raw, err := NewFileSource(path).FetchRules(context.Background(), "biz", "a1")
	if err != nil {
		t.Fatalf("FetchRules: %v", err)
	}
	if len(raw) != 1 || raw[0].ID != "all-agents" {
		t.Fatalf("expected only all-agents, got %+v", raw)
	}
	rule := Decode(raw[0])
	if !rule.Usable() {
		t.Fatalf("expected usable rule, got %+v", rule)
	}
	if rule.Action.TransferTo != "+15550100" {
		t.Errorf("unexpected transfer target %q", rule.Action.TransferTo)
	}
}

func TestFileSourceLookupAgent(t *testing.T) {
	doc := `
agents:
  - number: "+15550199"
    business_id: biz
    agent_id: front-desk
    greeting: "Thanks for calling Rivera Dental."
rules: []
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path)

	got, err := src.LookupAgent(context.Background(), "+15550199")
	if err != nil {
		t.Fatalf("LookupAgent: %v", err)
	}
	if got.BusinessID != "biz" || got.AgentID != "front-desk" || got.Greeting == "" {
		t.Errorf("unexpected profile %+v", got)
	}

	if _, err := src.LookupAgent(context.Background(), "+15550000"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
