// Package action carries out the effect of a fired rule against the
// telephony provider.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
)

// ErrTransient marks telephony errors worth one retry
var ErrTransient = errors.New("transient telephony error")

// DefaultVoicemailPrompt is used when a rule has none and for failure fallback
const DefaultVoicemailPrompt = "Sorry we couldn't complete that. Please leave a message after the tone and we'll get back to you."

// Telephony issues call-control commands for a live call
type Telephony interface {
	// Transfer and Voicemail take the session's call ID so provider
	// callbacks can be routed back to it.
	Transfer(ctx context.Context, callRef, callID, to, message string) error
	Voicemail(ctx context.Context, callRef, callID, prompt string) error
	Hangup(ctx context.Context, callRef, message string) error
}

// Scheduler accepts callback requests
type Scheduler interface {
	Schedule(ctx context.Context, req types.CallbackRequest) error
}

// Result describes what an action did to the call
type Result struct {
	RuleID  string
	Kind    types.ActionKind
	Outcome types.Outcome // outcome to record; empty when the call continues
	// Terminal means the call is over once the session records Outcome.
	Terminal bool
	// AwaitConfirm means the session must wait for the provider to confirm
	// a hand-off before ending, and resume if it is declined.
	AwaitConfirm bool
	// Say is text the session should speak when the call continues.
	Say    string
	Failed bool
	Err    error
}

// Executor runs rule actions. Safe for concurrent use.
type Executor struct {
	tel        Telephony
	scheduler  Scheduler
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(tel Telephony, scheduler Scheduler, retryDelay time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		tel:        tel,
		scheduler:  scheduler,
		retryDelay: retryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute carries out rule's action on call. Failures fall back to voicemail
// and are reported as an action-failed terminal result.
func (e *Executor) Execute(ctx context.Context, call types.CallSession, rule types.Rule) Result {
	a := rule.Action
	log := e.logger.With().Str("call_id", call.CallID).Str("rule_id", rule.ID).Str("action", string(a.Kind)).Logger()
	res := Result{RuleID: rule.ID, Kind: a.Kind}

	var err error
	switch a.Kind {
	case types.ActionTransfer:
		err = e.retry(ctx, func() error { return e.tel.Transfer(ctx, call.ProviderCallRef, call.CallID, a.TransferTo, a.Message) })
		res.Outcome, res.AwaitConfirm = types.OutcomeTransferred, true

	case types.ActionVoicemail:
		prompt := a.Prompt
		if prompt == "" {
			prompt = DefaultVoicemailPrompt
		}
		err = e.retry(ctx, func() error { return e.tel.Voicemail(ctx, call.ProviderCallRef, call.CallID, prompt) })
		res.Outcome, res.Terminal = types.OutcomeVoicemail, true

	case types.ActionCallback:
		err = e.scheduleCallback(ctx, call, rule)
		if err == nil {
			msg := a.Message
			if msg == "" {
				msg = "Thanks, we'll call you back shortly. Goodbye."
			}
			err = e.retry(ctx, func() error { return e.tel.Hangup(ctx, call.ProviderCallRef, msg) })
		}
		res.Outcome, res.Terminal = types.OutcomeCallbackScheduled, true

	case types.ActionCustom:
		eff := a.Custom
		if eff == nil {
			err = errors.New("custom action without effect")
			break
		}
		if !eff.EndCall {
			res.Say = eff.Say
			metrics.Get().RecordAction(a.Kind, "ok")
			log.Info().Msg("Custom action applied, call continues")
			return res
		}
		err = e.retry(ctx, func() error { return e.tel.Hangup(ctx, call.ProviderCallRef, eff.Say) })
		res.Outcome, res.Terminal = types.OutcomeCompleted, true
		if eff.Outcome != "" {
			res.Outcome = eff.Outcome
		}

	default:
		err = fmt.Errorf("unsupported action kind %q", a.Kind)
	}

	if err == nil {
		metrics.Get().RecordAction(a.Kind, "ok")
		log.Info().Str("outcome", string(res.Outcome)).Msg("Action executed")
		return res
	}
	if ctx.Err() != nil {
		// session ended underneath us, nothing to fall back to
		res.Err = ctx.Err()
		res.Failed = true
		return res
	}

	metrics.Get().RecordAction(a.Kind, "failed")
	log.Error().Err(err).Msg("Action failed, falling back to voicemail")
	res = Result{RuleID: rule.ID, Kind: a.Kind, Outcome: types.OutcomeActionFailed, Terminal: true, Failed: true, Err: err}

	if a.Kind != types.ActionVoicemail {
		if fbErr := e.retry(ctx, func() error {
			return e.tel.Voicemail(ctx, call.ProviderCallRef, call.CallID, DefaultVoicemailPrompt)
		}); fbErr != nil {
			log.Error().Err(fbErr).Msg("Voicemail fallback failed")
		}
	}
	return res
}

func (e *Executor) scheduleCallback(ctx context.Context, call types.CallSession, rule types.Rule) error {
	if e.scheduler == nil {
		return errors.New("no callback scheduler configured")
	}
	number := call.Counterpart()
	if number == "" {
		return errors.New("caller number unknown")
	}
	return e.scheduler.Schedule(ctx, types.CallbackRequest{
		ID:         uuid.New().String(),
		CallID:     call.CallID,
		BusinessID: call.BusinessID,
		AgentID:    call.AgentID,
		Number:     number,
		Reason:     rule.Label,
		DueAt:      e.now().Add(rule.Action.CallbackDelay),
	})
}

// retry runs fn, and once more after retryDelay if it failed transiently.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, ErrTransient) {
		return err
	}
	e.logger.Warn().Err(err).Msg("Transient telephony error, retrying once")
	select {
	case <-time.After(e.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}
