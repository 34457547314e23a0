package callsim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrRunning is returned when a batch is started while another runs
var ErrRunning = errors.New("simulation already running")

// Status is the simulator state served by the control API
type Status struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Requested      int        `json:"requested"`
	ActiveCalls    int64      `json:"activeCalls"`
	CallsCompleted int64      `json:"callsCompleted"`
	CallsFailed    int64      `json:"callsFailed"`
	FramesSent     int64      `json:"framesSent"`
	FramesReceived int64      `json:"framesReceived"`
	MarksEchoed    int64      `json:"marksEchoed"`
	LastError      string     `json:"lastError,omitempty"`
}

// Simulator runs batches of concurrent simulated calls.
type Simulator struct {
	backendURL string
	script     Script
	logger     zerolog.Logger
	newCaller  func() *Caller

	active         atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	marksEchoed    atomic.Int64

	mu        sync.Mutex
	running   bool
	startedAt *time.Time
	requested int
	lastError string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSimulator creates a Simulator calling backendURL with script.
func NewSimulator(backendURL string, script Script, logger zerolog.Logger) *Simulator {
	s := &Simulator{
		backendURL: backendURL,
		script:     script,
		logger:     logger,
	}
	s.newCaller = func() *Caller { return NewCaller(s.backendURL, s.script, s.logger) }
	return s
}

// Start launches count calls, at most concurrency at a time, in the background.
func (s *Simulator) Start(parent context.Context, count, concurrency int) error {
	if concurrency <= 0 || concurrency > count {
		concurrency = count
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s.running, s.startedAt, s.requested, s.lastError = true, &now, count, ""
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info().Int("calls", count).Int("concurrency", concurrency).Msg("starting simulated calls")

	go func() {
		defer close(done)
		defer cancel()

		slots := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
	launch:
		for i := 0; i < count; i++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				break launch
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				s.runCall(ctx)
			}()
		}
		wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info().
			Int64("completed", s.completed.Load()).
			Int64("failed", s.failed.Load()).
			Msg("simulated calls finished")
	}()
	return nil
}

func (s *Simulator) runCall(ctx context.Context) {
	s.active.Add(1)
	defer s.active.Add(-1)

	res, err := s.newCaller().Run(ctx)
	s.framesSent.Add(int64(res.FramesSent))
	s.framesReceived.Add(int64(res.FramesReceived))
	s.marksEchoed.Add(int64(res.MarksEchoed))

	if err != nil && !errors.Is(err, context.Canceled) {
		s.failed.Add(1)
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("call_sid", res.CallSID).Msg("simulated call failed")
		return
	}
	s.completed.Add(1)
}

// Stop cancels the running batch and waits for its calls to hang up.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return true
}

// Wait blocks until the current batch, if any, has finished.
func (s *Simulator) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the counters.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:   s.running,
		StartedAt: s.startedAt,
		Requested: s.requested,
		LastError: s.lastError,
	}
	s.mu.Unlock()

	st.ActiveCalls = s.active.Load()
	st.CallsCompleted = s.completed.Load()
	st.CallsFailed = s.failed.Load()
	st.FramesSent = s.framesSent.Load()
	st.FramesReceived = s.framesReceived.Load()
	st.MarksEchoed = s.marksEchoed.Load()
	return st
}
