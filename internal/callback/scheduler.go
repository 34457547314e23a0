// Package callback holds scheduled outbound callbacks and dials them when due.
package callback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

// ErrQueueFull is returned when the pending queue is at capacity
var ErrQueueFull = errors.New("callback queue full")

// Dialer places the outbound call for a due callback
type Dialer interface {
	Dial(ctx context.Context, req types.CallbackRequest) error
}

// Config tunes the scheduler
type Config struct {
	Interval    time.Duration // how often due callbacks are checked
	MaxAttempts int           // dial attempts before a callback is dropped
	RetryDelay  time.Duration // wait between failed attempts
	MaxPending  int
}

// Scheduler periodically dials due callbacks
type Scheduler struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []types.CallbackRequest // sorted by DueAt
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, dialer Dialer, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	return &Scheduler{cfg: cfg, dialer: dialer, logger: logger, now: time.Now}
}

// SetDialer attaches the dialer; the server wires it after the session manager exists.
func (s *Scheduler) SetDialer(d Dialer) {
	s.mu.Lock()
	s.dialer = d
	s.mu.Unlock()
}

// Schedule queues req.
func (s *Scheduler) Schedule(_ context.Context, req types.CallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.cfg.MaxPending {
		return ErrQueueFull
	}
	s.insert(req)
	s.logger.Info().Str("callback_id", req.ID).Str("call_id", req.CallID).
		Time("due_at", req.DueAt).Msg("Callback scheduled")
	return nil
}

func (s *Scheduler) insert(req types.CallbackRequest) {
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].DueAt.After(req.DueAt) })
	s.pending = append(s.pending, types.CallbackRequest{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = req
}

// Pending returns a copy of queued callbacks, soonest first.
func (s *Scheduler) Pending() []types.CallbackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CallbackRequest, len(s.pending))
	copy(out, s.pending)
	return out
}

// Start begins the dial loop, ticking every Interval until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Msg("callback scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("pending", len(s.Pending())).Msg("callback scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dials every callback that is due
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	n := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].DueAt.After(now) })
	due := make([]types.CallbackRequest, n)
	copy(due, s.pending[:n])
	s.pending = s.pending[n:]
	dialer := s.dialer
	s.mu.Unlock()

	for _, req := range due {
		if dialer == nil {
			s.logger.Error().Str("callback_id", req.ID).Msg("no dialer configured, dropping callback")
			continue
		}
		req.Attempts++
		err := dialer.Dial(ctx, req)
		if err == nil {
			s.logger.Info().Str("callback_id", req.ID).Str("number", req.Number).Msg("Callback dialed")
			continue
		}
		if req.Attempts >= s.cfg.MaxAttempts {
			s.logger.Error().Err(err).Str("callback_id", req.ID).Int("attempts", req.Attempts).
				Msg("Callback dropped after max attempts")
			continue
		}
		s.logger.Warn().Err(err).Str("callback_id", req.ID).Int("attempts", req.Attempts).
			Msg("Callback dial failed, rescheduling")
		req.DueAt = now.Add(s.cfg.RetryDelay)
		s.mu.Lock()
		s.insert(req)
		s.mu.Unlock()
	}
}
