package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

type fakeTelephony struct {
	mu        sync.Mutex
	calls     []string
	transfer  []error // errors returned by successive Transfer calls
	voicemail []error
	hangup    []error
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeTelephony) Transfer(_ context.Context, ref, _, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "transfer:"+to)
	return pop(&f.transfer)
}

func (f *fakeTelephony) Voicemail(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "voicemail")
	return pop(&f.voicemail)
}

func (f *fakeTelephony) Hangup(_ context.Context, _, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "hangup:"+msg)
	return pop(&f.hangup)
}

type fakeScheduler struct {
	reqs []types.CallbackRequest
	err  error
}

func (s *fakeScheduler) Schedule(_ context.Context, req types.CallbackRequest) error {
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

var transient = fmt.Errorf("twilio 503: %w", ErrTransient)

func call() types.CallSession {
	return types.CallSession{
		CallID: "c1", BusinessID: "biz", ProviderCallRef: "CA123",
		Direction: types.DirectionInbound, FromNumber: "+15550111",
	}
}

func ruleWith(a types.Action) types.Rule {
	return types.Rule{ID: "r1", Label: "escalate", Category: types.CategoryEscalation, Action: a, Active: true}
}

func TestExecuteActions(t *testing.T) {
	tests := []struct {
		name      string
		action    types.Action
		tel       *fakeTelephony
		outcome   types.Outcome
		terminal  bool
		await     bool
		failed    bool
		wantCalls []string
	}{
		{
			name:      "transfer awaits confirmation",
			action:    types.Action{Kind: types.ActionTransfer, TransferTo: "+15550100"},
			tel:       &fakeTelephony{},
			outcome:   types.OutcomeTransferred,
			await:     true,
			wantCalls: []string{"transfer:+15550100"},
		},
		{
			name:      "transfer retried once on transient error",
			action:    types.Action{Kind: types.ActionTransfer, TransferTo: "+15550100"},
			tel:       &fakeTelephony{transfer: []error{transient}},
			outcome:   types.OutcomeTransferred,
			await:     true,
			wantCalls: []string{"transfer:+15550100", "transfer:+15550100"},
		},
		{
			name:      "transfer fails twice, voicemail fallback",
			action:    types.Action{Kind: types.ActionTransfer, TransferTo: "+15550100"},
			tel:       &fakeTelephony{transfer: []error{transient, transient}},
			outcome:   types.OutcomeActionFailed,
			terminal:  true,
			failed:    true,
			wantCalls: []string{"transfer:+15550100", "transfer:+15550100", "voicemail"},
		},
		{
			name:      "permanent error is not retried",
			action:    types.Action{Kind: types.ActionTransfer, TransferTo: "+15550100"},
			tel:       &fakeTelephony{transfer: []error{errors.New("invalid number")}},
			outcome:   types.OutcomeActionFailed,
			terminal:  true,
			failed:    true,
			wantCalls: []string{"transfer:+15550100", "voicemail"},
		},
		{
			name:      "voicemail",
			action:    types.Action{Kind: types.ActionVoicemail},
			tel:       &fakeTelephony{},
			outcome:   types.OutcomeVoicemail,
			terminal:  true,
			wantCalls: []string{"voicemail"},
		},
		{
			name:      "custom say keeps call going",
			action:    types.Action{Kind: types.ActionCustom, Custom: &types.CustomEffect{Say: "We open at nine."}},
			tel:       &fakeTelephony{},
			wantCalls: nil,
		},
		{
			name:      "custom end call",
			action:    types.Action{Kind: types.ActionCustom, Custom: &types.CustomEffect{Say: "Bye", EndCall: true}},
			tel:       &fakeTelephony{},
			outcome:   types.OutcomeCompleted,
			terminal:  true,
			wantCalls: []string{"hangup:Bye"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(tt.tel, &fakeScheduler{}, time.Millisecond, zerolog.Nop())
			res := e.Execute(context.Background(), call(), ruleWith(tt.action))
			if res.Outcome != tt.outcome || res.Terminal != tt.terminal || res.AwaitConfirm != tt.await || res.Failed != tt.failed {
				t.Errorf("unexpected result %+v", res)
			}
			if len(tt.tel.calls) != len(tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", tt.tel.calls, tt.wantCalls)
			}
			for i := range tt.wantCalls {
				if tt.tel.calls[i] != tt.wantCalls[i] {
					t.Errorf("call %d = %s, want %s", i, tt.tel.calls[i], tt.wantCalls[i])
				}
			}
		})
	}
}

func TestExecuteCallback(t *testing.T) {
	tel := &fakeTelephony{}
	sched := &fakeScheduler{}
	e := NewExecutor(tel, sched, time.Millisecond, zerolog.Nop())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	res := e.Execute(context.Background(), call(), ruleWith(types.Action{Kind: types.ActionCallback, CallbackDelay: 30 * time.Minute}))
	if res.Outcome != types.OutcomeCallbackScheduled || !res.Terminal {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(sched.reqs) != 1 {
		t.Fatalf("expected one scheduled callback, got %d", len(sched.reqs))
	}
	req := sched.reqs[0]
	if req.Number != "+15550111" || !req.DueAt.Equal(now.Add(30*time.Minute)) || req.CallID != "c1" {
		t.Errorf("unexpected request %+v", req)
	}
	if len(tel.calls) != 1 || tel.calls[0][:7] != "hangup:" {
		t.Errorf("expected hangup after scheduling, got %v", tel.calls)
	}
}

func TestExecuteCallbackScheduleFailure(t *testing.T) {
	tel := &fakeTelephony{}
	e := NewExecutor(tel, &fakeScheduler{err: errors.New("queue full")}, time.Millisecond, zerolog.Nop())
	res := e.Execute(context.Background(), call(), ruleWith(types.Action{Kind: types.ActionCallback}))
	if res.Outcome != types.OutcomeActionFailed {
		t.Errorf("expected action-failed, got %s", res.Outcome)
	}
	if len(tel.calls) != 1 || tel.calls[0] != "voicemail" {
		t.Errorf("expected voicemail fallback, got %v", tel.calls)
	}
}
