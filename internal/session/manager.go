package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/pipeline"
	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/types"
)

// ErrDialUnavailable is returned when outbound calls are not configured
var ErrDialUnavailable = errors.New("outbound calling not configured")

// RuleProvider returns the rule snapshot a new session runs with
type RuleProvider interface {
	Snapshot(ctx context.Context, businessID, agentID string) (rules.Snapshot, error)
}

// CallControl places and terminates calls at the provider
type CallControl interface {
	Originate(ctx context.Context, to, from, callID string) (string, error)
	Hangup(ctx context.Context, callRef, message string) error
}

// ManagerConfig holds registry settings
type ManagerConfig struct {
	Session           Config
	DefaultBusinessID string
	DefaultAgentID    string
	Retain            time.Duration // ended sessions stay visible this long
}

// Manager tracks every live session by call ID and provider reference
type Manager struct {
	cfg       ManagerConfig
	deps      Deps
	rules     RuleProvider
	directory rules.Directory
	control   CallControl
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	byRef    map[string]string
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, deps Deps, provider RuleProvider, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		rules:    provider,
		logger:   logger.With().Str("component", "sessions").Logger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		byRef:    make(map[string]string),
	}
}

// SetDirectory sets the number-to-agent lookup used for calls that name no business.
func (m *Manager) SetDirectory(d rules.Directory) {
	m.directory = d
}

// SetCallControl sets the provider used to place and terminate calls.
func (m *Manager) SetCallControl(c CallControl) {
	m.control = c
}

// Start creates and runs the session for a call. Repeated starts for the
// same provider reference return the existing session.
func (m *Manager) Start(ctx context.Context, req types.CallRequest) (types.CallSession, error) {
	if s, ok := m.lookup("", req.ProviderCallRef); ok {
		return s.Snapshot(), nil
	}

	profile, err := m.resolve(ctx, &req)
	if err != nil {
		return types.CallSession{}, err
	}

	snap, err := m.rules.Snapshot(ctx, req.BusinessID, req.AgentID)
	if err != nil {
		m.logger.Warn().Err(err).Str("business_id", req.BusinessID).Int("rules", len(snap.Rules)).Msg("Rule fetch failed, using cached rules")
	}

	if req.Direction == "" {
		req.Direction = types.DirectionInbound
	}
	call := types.CallSession{
		CallID:          uuid.New().String(),
		BusinessID:      req.BusinessID,
		AgentID:         req.AgentID,
		Direction:       req.Direction,
		FromNumber:      req.FromNumber,
		ToNumber:        req.ToNumber,
		ProviderCallRef: req.ProviderCallRef,
		State:           types.CallStateConnecting,
		CreatedAt:       m.now(),
		Sentiment:       types.SentimentNeutral,
	}

	cfg := m.cfg.Session
	if profile.Greeting != "" {
		cfg.Greeting = profile.Greeting
	}
	if profile.SystemPrompt != "" {
		cfg.SystemPrompt = profile.SystemPrompt
	}
	s := newSession(call, snap, cfg, m.deps, m.ended, m.logger)

	m.mu.Lock()
	if ref := req.ProviderCallRef; ref != "" {
		if id, ok := m.byRef[ref]; ok {
			existing := m.sessions[id]
			m.mu.Unlock()
			s.cancel()
			return existing.Snapshot(), nil
		}
		m.byRef[ref] = call.CallID
	}
	m.sessions[call.CallID] = s
	m.mu.Unlock()

	s.start()
	return s.Snapshot(), nil
}

// resolve fills in business and agent from the directory or the defaults.
func (m *Manager) resolve(ctx context.Context, req *types.CallRequest) (rules.AgentProfile, error) {
	var profile rules.AgentProfile
	if req.BusinessID == "" && m.directory != nil {
		number := req.ToNumber
		if req.Direction == types.DirectionOutbound {
			number = req.FromNumber
		}
		p, err := m.directory.LookupAgent(ctx, number)
		switch {
		case err == nil:
			profile = p
			req.BusinessID, req.AgentID = p.BusinessID, p.AgentID
		case !errors.Is(err, rules.ErrAgentNotFound):
			m.logger.Warn().Err(err).Str("number", number).Msg("Agent lookup failed")
		}
	}
	if req.BusinessID == "" {
		req.BusinessID = m.cfg.DefaultBusinessID
		if req.AgentID == "" {
			req.AgentID = m.cfg.DefaultAgentID
		}
	}
	if req.BusinessID == "" {
		return profile, fmt.Errorf("no business configured for number %q", req.ToNumber)
	}
	return profile, nil
}

// PlaceCall starts an outbound session and dials the number.
func (m *Manager) PlaceCall(ctx context.Context, req types.CallRequest) (types.CallSession, error) {
	if m.control == nil {
		return types.CallSession{}, ErrDialUnavailable
	}
	req.Direction = types.DirectionOutbound
	req.ProviderCallRef = ""
	call, err := m.Start(ctx, req)
	if err != nil {
		return types.CallSession{}, err
	}

	ref, err := m.control.Originate(ctx, req.ToNumber, req.FromNumber, call.CallID)
	if err != nil {
		m.End(call.CallID, types.OutcomeFailed)
		return call, fmt.Errorf("originate call: %w", err)
	}

	m.mu.Lock()
	s := m.sessions[call.CallID]
	m.byRef[ref] = call.CallID
	m.mu.Unlock()
	if s != nil {
		s.bindRef(ref)
	}
	call.ProviderCallRef = ref
	return call, nil
}

// Dial places the outbound call for a due callback.
func (m *Manager) Dial(ctx context.Context, req types.CallbackRequest) error {
	_, err := m.PlaceCall(ctx, types.CallRequest{
		BusinessID: req.BusinessID,
		AgentID:    req.AgentID,
		ToNumber:   req.Number,
	})
	return err
}

// AttachMedia binds a media stream to its session, found by call ID or
// provider reference.
func (m *Manager) AttachMedia(callID, callRef string, sink pipeline.Sink) (string, error) {
	s, ok := m.lookup(callID, callRef)
	if !ok {
		return "", ErrUnknownCall
	}
	if err := s.AttachMedia(sink); err != nil {
		return "", err
	}
	return s.CallID(), nil
}

// SpeechStarted forwards a caller speech start.
func (m *Manager) SpeechStarted(callID string) {
	if s, ok := m.lookup(callID, ""); ok {
		s.SpeechStarted()
	}
}

// SpeechEnded forwards a finished caller utterance.
func (m *Manager) SpeechEnded(callID string, pcm []byte) {
	if s, ok := m.lookup(callID, ""); ok {
		s.SpeechEnded(pcm)
	}
}

// MediaStopped forwards a closed media stream.
func (m *Manager) MediaStopped(callID string, sink pipeline.Sink) {
	if s, ok := m.lookup(callID, ""); ok {
		s.MediaStopped(sink)
	}
}

// Hangup forwards a provider hangup. It reports whether the call was live.
func (m *Manager) Hangup(callRef string, outcome types.Outcome) bool {
	s, ok := m.lookup("", callRef)
	if !ok {
		return false
	}
	return s.Hangup(outcome)
}

// TransferResult forwards the answer or decline of a pending transfer.
func (m *Manager) TransferResult(callID string, answered bool) bool {
	s, ok := m.lookup(callID, "")
	if !ok {
		return false
	}
	return s.TransferResult(answered)
}

// End force-ends a call and hangs it up at the provider.
func (m *Manager) End(callID string, outcome types.Outcome) bool {
	s, ok := m.lookup(callID, "")
	if !ok {
		return false
	}
	if !s.End(outcome) {
		return false
	}
	if ref := s.Snapshot().ProviderCallRef; ref != "" && m.control != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.control.Hangup(ctx, ref, ""); err != nil {
				m.logger.Warn().Err(err).Str("call_id", callID).Msg("Provider hangup failed")
			}
		}()
	}
	m.logger.Info().Str("call_id", callID).Str("outcome", string(outcome)).Msg("Session force-ended")
	return true
}

// Get returns the current snapshot of a call.
func (m *Manager) Get(callID string) (types.CallSession, bool) {
	s, ok := m.lookup(callID, "")
	if !ok {
		return types.CallSession{}, false
	}
	return s.Snapshot(), true
}

// GetByRef returns the snapshot of the call with a provider reference.
func (m *Manager) GetByRef(callRef string) (types.CallSession, bool) {
	s, ok := m.lookup("", callRef)
	if !ok {
		return types.CallSession{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of all tracked calls, oldest first.
func (m *Manager) List() []types.CallSession {
	m.mu.RLock()
	out := make([]types.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown ends every live session and waits for them to finish or ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		s.End(types.OutcomeFailed)
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			m.logger.Warn().Msg("Shutdown timed out waiting for sessions")
			return
		}
	}
	m.logger.Info().Int("sessions", len(live)).Msg("All sessions ended")
}

func (m *Manager) lookup(callID, callRef string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[callID]; ok && callID != "" {
		return s, true
	}
	if callRef == "" {
		return nil, false
	}
	id, ok := m.byRef[callRef]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// ended schedules removal of a finished session from the registry.
func (m *Manager) ended(call types.CallSession) {
	remove := func() {
		m.mu.Lock()
		delete(m.sessions, call.CallID)
		for ref, id := range m.byRef {
			if id == call.CallID {
				delete(m.byRef, ref)
			}
		}
		m.mu.Unlock()
	}
	if m.cfg.Retain <= 0 {
		go remove()
		return
	}
	time.AfterFunc(m.cfg.Retain, remove)
}
