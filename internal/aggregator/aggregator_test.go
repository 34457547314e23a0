package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

type staticSessions []types.CallSession

func (s staticSessions) List() []types.CallSession { return s }

type capturePublisher struct {
	mu        sync.Mutex
	overviews []types.SessionsOverview
}

func (c *capturePublisher) PublishOverview(o types.SessionsOverview) {
	c.mu.Lock()
	c.overviews = append(c.overviews, o)
	c.mu.Unlock()
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.overviews)
}

func TestBuild(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	longAgo := now.Add(-20 * time.Minute)
	recent := now.Add(-30 * time.Second)

	a := NewAggregator(staticSessions{
		{CallID: "c1", BusinessID: "acme", State: types.CallStateActive, ActiveAt: &longAgo},
		{CallID: "c2", BusinessID: "acme", State: types.CallStateActive, ActiveAt: &recent, DegradedTurns: 1},
		{CallID: "c3", BusinessID: "acme", State: types.CallStateConnecting},
	}, &capturePublisher{}, time.Second, zerolog.Nop())
	a.now = func() time.Time { return now }

	o, ok := a.Build()
	if !ok {
		t.Fatal("expected overview")
	}
	if o.Type != OverviewType {
		t.Errorf("unexpected type %s", o.Type)
	}
	if o.Summary.TotalSessions != 3 || o.Summary.StateBreakdown[types.CallStateActive] != 2 {
		t.Errorf("unexpected summary %+v", o.Summary)
	}
	if o.Sessions[1].ElapsedSecs != 30 {
		t.Errorf("expected 30s elapsed, got %v", o.Sessions[1].ElapsedSecs)
	}
	if len(o.Sessions[0].Alerts) != 1 || o.Sessions[0].Alerts[0].Rule != "call_long" {
		t.Errorf("expected long call alert, got %+v", o.Sessions[0].Alerts)
	}
}

func TestBuildWithoutSessions(t *testing.T) {
	a := NewAggregator(staticSessions{}, &capturePublisher{}, time.Second, zerolog.Nop())
	if _, ok := a.Build(); ok {
		t.Error("expected no overview without sessions")
	}
}

func TestStartPublishesUntilCancelled(t *testing.T) {
	pub := &capturePublisher{}
	a := NewAggregator(staticSessions{{CallID: "c1", State: types.CallStateActive}}, pub, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop after context cancel")
	}
	if pub.count() == 0 {
		t.Error("expected at least one overview")
	}
}
