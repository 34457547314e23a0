package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

// CallRouter is the session side of the voice webhooks
type CallRouter interface {
	Start(ctx context.Context, req types.CallRequest) (types.CallSession, error)
	PlaceCall(ctx context.Context, req types.CallRequest) (types.CallSession, error)
	Hangup(callRef string, outcome types.Outcome) bool
	TransferResult(callID string, answered bool) bool
}

// Handler serves Twilio's voice webhooks
type Handler struct {
	router        CallRouter
	publicURL     string
	dialEnabled   bool
	logger        zerolog.Logger
	statusesSeen  int64
	mu            sync.RWMutex
	lastStatusAt  time.Time
	lastStatusRef string
}

// NewHandler creates a Handler. dialEnabled gates outbound calls.
func NewHandler(router CallRouter, publicURL string, dialEnabled bool, logger zerolog.Logger) *Handler {
	return &Handler{
		router:      router,
		publicURL:   publicURL,
		dialEnabled: dialEnabled,
		logger:      logger.With().Str("component", "voice_webhooks").Logger(),
	}
}

// HandleInbound answers Twilio's incoming call webhook by creating the
// session and connecting the media stream.
func (h *Handler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	req := types.CallRequest{
		BusinessID:      r.URL.Query().Get("business_id"),
		AgentID:         r.URL.Query().Get("agent_id"),
		Direction:       types.DirectionInbound,
		FromNumber:      r.PostForm.Get("From"),
		ToNumber:        r.PostForm.Get("To"),
		ProviderCallRef: r.PostForm.Get("CallSid"),
	}
	if req.ProviderCallRef == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	call, err := h.router.Start(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("call_sid", req.ProviderCallRef).Msg("failed to start inbound session")
		WriteTwiML(w, HangupTwiML("Sorry, we can't take your call right now. Goodbye."))
		return
	}

	h.logger.Info().
		Str("call_id", call.CallID).
		Str("call_sid", req.ProviderCallRef).
		Str("business_id", call.BusinessID).
		Msg("inbound call")
	WriteTwiML(w, StreamTwiML(StreamURL(PublicURL(h.publicURL, r)), call.CallID))
}

// outboundRequest is the JSON body for POST /voice/outbound
type outboundRequest struct {
	To         string `json:"to"`
	BusinessID string `json:"business_id"`
	AgentID    string `json:"agent_id"`
}

// HandleOutbound places an outbound call and starts its session.
func (h *Handler) HandleOutbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.To == "" {
		http.Error(w, "missing to field", http.StatusBadRequest)
		return
	}
	if !h.dialEnabled {
		http.Error(w, "outbound calling not configured", http.StatusServiceUnavailable)
		return
	}

	req := types.CallRequest{
		BusinessID: body.BusinessID,
		AgentID:    body.AgentID,
		Direction:  types.DirectionOutbound,
		ToNumber:   body.To,
	}

	call, err := h.router.PlaceCall(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("to", body.To).Msg("failed to place outbound call")
		http.Error(w, "failed to place call", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(call)
}

// statusOutcomes maps final Twilio call statuses to session outcomes
var statusOutcomes = map[string]types.Outcome{
	"completed": types.OutcomeCompleted,
	"busy":      types.OutcomeNoAnswer,
	"no-answer": types.OutcomeNoAnswer,
	"canceled":  types.OutcomeNoAnswer,
	"failed":    types.OutcomeFailed,
}

// HandleStatus receives Twilio call status callbacks.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ref := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")

	atomic.AddInt64(&h.statusesSeen, 1)
	h.mu.Lock()
	h.lastStatusAt = time.Now()
	h.lastStatusRef = ref
	h.mu.Unlock()

	log := h.logger.With().Str("call_sid", ref).Str("status", status).Logger()
	handled := true
	if outcome, final := statusOutcomes[status]; final {
		handled = h.router.Hangup(ref, outcome)
		log.Info().Bool("matched", handled).Msg("call status final")
	} else {
		// ringing and in-progress carry no state change; media attach
		// is what makes a session active
		log.Debug().Msg("call status")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"ignored": !handled})
}

// HandleTransferStatus receives both the answered callback of the dialed
// number and the Dial action. A declined transfer resumes the conversation.
func (h *Handler) HandleTransferStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callID := r.URL.Query().Get("call_id")
	log := h.logger.With().Str("call_id", callID).Logger()

	if r.URL.Query().Get("leg") == "number" {
		if r.PostForm.Get("CallStatus") == "in-progress" {
			h.router.TransferResult(callID, true)
			log.Info().Msg("transfer answered")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch dial := r.PostForm.Get("DialCallStatus"); dial {
	case "completed", "answered":
		// the bridged call is over; covers a missed answered callback
		h.router.TransferResult(callID, true)
		WriteTwiML(w, HangupTwiML(""))
	default:
		log.Info().Str("dial_status", dial).Msg("transfer not answered, resuming conversation")
		if !h.router.TransferResult(callID, false) {
			WriteTwiML(w, HangupTwiML(""))
			return
		}
		WriteTwiML(w, StreamTwiML(StreamURL(PublicURL(h.publicURL, r)), callID))
	}
}

// HandleRecording acknowledges the end of a voicemail recording.
func (h *Handler) HandleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		h.logger.Info().
			Str("call_id", r.URL.Query().Get("call_id")).
			Str("recording_url", r.PostForm.Get("RecordingUrl")).
			Msg("voicemail recorded")
	}
	WriteTwiML(w, HangupTwiML(""))
}

// GetStats returns webhook statistics
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	lastAt, lastRef := h.lastStatusAt, h.lastStatusRef
	h.mu.RUnlock()

	stats := map[string]interface{}{
		"statuses_received": atomic.LoadInt64(&h.statusesSeen),
		"last_status_at":    lastAt,
		"last_call_sid":     lastRef,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
