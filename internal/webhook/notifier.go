// Package webhook delivers call lifecycle events to the business backend
// in per-call order with idempotent retries.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
)

// Outbox persists events until they are acknowledged or given up on
type Outbox interface {
	SaveOutboxEntry(ctx context.Context, e types.OutboxEntry) error
	DeleteOutboxEntry(ctx context.Context, callID string, seq int64) error
	ListOutbox(ctx context.Context) ([]types.OutboxEntry, error)
}

// FailureStore records events whose retry budget ran out
type FailureStore interface {
	SaveDeliveryFailure(ctx context.Context, f types.DeliveryFailure) error
}

// Mirror receives a copy of every acknowledged event
type Mirror interface {
	Publish(ctx context.Context, ev types.WebhookEvent) error
}

// Config tunes retries
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{MaxAttempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// queued is an event waiting on its call's worker. persist is false for
// events replayed from the outbox.
type queued struct {
	ev       types.WebhookEvent
	persist  bool
	remoteID string
}

type callQueue struct {
	mu       sync.Mutex
	items    []queued
	wake     chan struct{}
	remoteID string
}

func (q *callQueue) push(it queued) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *callQueue) remote() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remoteID
}

func (q *callQueue) setRemote(id string) {
	q.mu.Lock()
	q.remoteID = id
	q.mu.Unlock()
}

// Notifier owns one delivery goroutine per call. Notify never blocks on
// the network, so a slow backend cannot stall a conversation.
type Notifier struct {
	transport Transport
	outbox    Outbox
	failures  FailureStore
	mirror    Mirror
	cfg       Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error

	pending atomic.Int64 // queued or in-flight events

	mu     sync.Mutex
	queues map[string]*callQueue
	closed bool
}

// NewNotifier creates a Notifier. outbox, failures and mirror may be nil.
func NewNotifier(transport Transport, outbox Outbox, failures FailureStore, mirror Mirror, cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		transport: transport,
		outbox:    outbox,
		failures:  failures,
		mirror:    mirror,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		sleep:     sleepCtx,
		queues:    make(map[string]*callQueue),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify queues ev for delivery after every earlier event of the same call.
// The outbox write happens on the call's worker, so Notify never waits on
// storage.
func (n *Notifier) Notify(ev types.WebhookEvent) {
	n.enqueue(queued{ev: ev, persist: true})
}

func (n *Notifier) enqueue(it queued) {
	if it.ev.CreatedAt.IsZero() {
		it.ev.CreatedAt = time.Now().UTC()
	}

	n.mu.Lock()
	if n.closed {
		remote := it.remoteID
		if q, ok := n.queues[it.ev.CallID]; ok && remote == "" {
			remote = q.remote()
		}
		n.mu.Unlock()
		if it.persist {
			n.persist(it.ev, remote)
		}
		n.logger.Warn().Str("call_id", it.ev.CallID).Str("kind", string(it.ev.Kind)).Msg("Notifier closed, event left in outbox")
		return
	}
	defer n.mu.Unlock()
	q, ok := n.queues[it.ev.CallID]
	if !ok {
		q = &callQueue{wake: make(chan struct{}, 1)}
		n.queues[it.ev.CallID] = q
		n.wg.Add(1)
		go n.run(it.ev.CallID, q)
	}
	// pushed under n.mu so the worker cannot retire the queue in between
	n.pending.Add(1)
	q.push(it)
}

// persist writes the event to the outbox before its first delivery attempt.
func (n *Notifier) persist(ev types.WebhookEvent, remoteID string) {
	if n.outbox == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Str("call_id", ev.CallID).Msg("Failed to marshal webhook event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.outbox.SaveOutboxEntry(ctx, types.OutboxEntry{
		CallID:       ev.CallID,
		Seq:          ev.Seq,
		Kind:         string(ev.Kind),
		Body:         string(body),
		CreatedAt:    ev.CreatedAt.Format(time.RFC3339Nano),
		RemoteCallID: remoteID,
	}); err != nil {
		n.logger.Warn().Err(err).Str("call_id", ev.CallID).Int64("seq", ev.Seq).Msg("Outbox write failed, delivering without replay guarantee")
	}
}

func (n *Notifier) run(callID string, q *callQueue) {
	defer n.wg.Done()
	log := n.logger.With().Str("call_id", callID).Logger()

	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-n.ctx.Done():
				n.drain(q)
				return
			}
		}
		ev := it.ev
		if it.remoteID != "" && q.remote() == "" {
			q.setRemote(it.remoteID)
		}
		if it.persist {
			n.persist(ev, q.remote())
		}
		if n.ctx.Err() == nil {
			n.deliver(log, q, ev)
		}
		n.pending.Add(-1)

		if ev.Kind == types.WebhookCallEnded {
			n.mu.Lock()
			// events queued after call-ended still go out on this worker
			q.mu.Lock()
			rest := len(q.items)
			q.mu.Unlock()
			if rest == 0 {
				delete(n.queues, callID)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
		}
	}
}

// drain writes events still queued at shutdown to the outbox for replay.
func (n *Notifier) drain(q *callQueue) {
	for {
		it, ok := q.pop()
		if !ok {
			return
		}
		if it.persist {
			n.persist(it.ev, q.remote())
		}
		n.pending.Add(-1)
	}
}

func (n *Notifier) deliver(log zerolog.Logger, q *callQueue, ev types.WebhookEvent) {
	var lastErr error
	attempt := 0
	for attempt < n.cfg.MaxAttempts {
		attempt++
		metrics.Get().RecordWebhookAttempt(ev.Kind)
		ack, err := n.transport.Deliver(n.ctx, ev, q.remote())
		if err == nil {
			if ack.RemoteCallID != "" {
				q.setRemote(ack.RemoteCallID)
			}
			metrics.Get().RecordWebhookResult(ev.Kind, "delivered")
			log.Debug().Str("kind", string(ev.Kind)).Int64("seq", ev.Seq).Int("attempt", attempt).Msg("Webhook delivered")
			n.settle(ev)
			if n.mirror != nil {
				if err := n.mirror.Publish(n.ctx, ev); err != nil {
					log.Warn().Err(err).Msg("Event mirror publish failed")
				}
			}
			return
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) || n.ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Int("attempt", attempt).Msg("Webhook delivery failed, retrying")
		if attempt < n.cfg.MaxAttempts {
			if n.sleep(n.ctx, n.backoff(attempt)) != nil {
				break
			}
		}
	}

	if n.ctx.Err() != nil {
		// shutting down; the outbox entry stays for replay
		return
	}
	result := "exhausted"
	if errors.Is(lastErr, ErrPermanent) {
		result = "rejected"
	}
	metrics.Get().RecordWebhookResult(ev.Kind, result)
	log.Error().Err(lastErr).Str("kind", string(ev.Kind)).Int64("seq", ev.Seq).Int("attempts", attempt).
		Msg("Webhook delivery given up")
	n.recordFailure(ev, attempt, lastErr)
	n.settle(ev)
}

func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.cfg.BaseDelay << (attempt - 1)
	if d <= 0 || (n.cfg.MaxDelay > 0 && d > n.cfg.MaxDelay) {
		d = n.cfg.MaxDelay
	}
	// up to 20% jitter so retries from many calls spread out
	if d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/5 + 1))
	}
	return d
}

func (n *Notifier) settle(ev types.WebhookEvent) {
	if n.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.outbox.DeleteOutboxEntry(ctx, ev.CallID, ev.Seq); err != nil {
		n.logger.Warn().Err(err).Str("call_id", ev.CallID).Int64("seq", ev.Seq).Msg("Outbox delete failed")
	}
}

func (n *Notifier) recordFailure(ev types.WebhookEvent, attempts int, err error) {
	if n.failures == nil {
		return
	}
	body, _ := json.Marshal(ev)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	f := types.DeliveryFailure{
		CallID:    ev.CallID,
		EventKey:  ev.IdempotencyKey(),
		Kind:      ev.Kind,
		Seq:       ev.Seq,
		Attempts:  attempts,
		LastError: msg,
		Body:      string(body),
		FailedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if p, ok := ev.Payload.(types.CallStartedPayload); ok {
		f.BusinessID = p.BusinessID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.failures.SaveDeliveryFailure(ctx, f); err != nil {
		n.logger.Error().Err(err).Str("call_id", ev.CallID).Msg("Failed to record delivery failure")
	}
}

// Recover re-queues events left in the outbox by a previous process, in
// per-call sequence order. Call it before new sessions start.
func (n *Notifier) Recover(ctx context.Context) (int, error) {
	if n.outbox == nil {
		return 0, nil
	}
	entries, err := n.outbox.ListOutbox(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CallID != entries[j].CallID {
			return entries[i].CallID < entries[j].CallID
		}
		return entries[i].Seq < entries[j].Seq
	})
	for _, e := range entries {
		var ev types.WebhookEvent
		var raw struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal([]byte(e.Body), &ev); err != nil {
			n.logger.Error().Err(err).Str("call_id", e.CallID).Int64("seq", e.Seq).Msg("Dropping unreadable outbox entry")
			continue
		}
		_ = json.Unmarshal([]byte(e.Body), &raw)
		ev.Payload = raw.Payload
		n.enqueue(queued{ev: ev, remoteID: e.RemoteCallID})
	}
	if len(entries) > 0 {
		n.logger.Info().Int("events", len(entries)).Msg("Replaying webhook outbox")
	}
	return len(entries), nil
}

// Pending returns the number of events not yet settled.
func (n *Notifier) Pending() int {
	return int(n.pending.Load())
}

// Close stops accepting events and waits for queues to drain until ctx
// expires, then abandons in-flight retries. Unsettled events stay in the outbox.
func (n *Notifier) Close(ctx context.Context) {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			if n.Pending() == 0 {
				close(done)
				return
			}
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()
	<-done
	n.cancel()
	n.wg.Wait()
}
