package api

import (
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/storage"
	"github.com/altiora-ai/callcore/internal/types"
)

// RuleInvalidator drops cached rule snapshots
type RuleInvalidator interface {
	Invalidate(businessID string) int
}

// CallbackLister lists callbacks waiting to be dialed
type CallbackLister interface {
	Pending() []types.CallbackRequest
}

// AdminHandler handles admin controls and proxies the call simulator
type AdminHandler struct {
	simURL    string
	rules     RuleInvalidator
	callbacks CallbackLister
	store     storage.Store
	logger    zerolog.Logger
	client    *http.Client
}

// NewAdminHandler creates a new AdminHandler. rules and callbacks may be nil.
func NewAdminHandler(simURL string, rules RuleInvalidator, callbacks CallbackLister, store storage.Store, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		simURL:    simURL,
		rules:     rules,
		callbacks: callbacks,
		store:     store,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// proxyToSim forwards a request to the call simulator and copies the response back
func (h *AdminHandler) proxyToSim(w http.ResponseWriter, r *http.Request, method, path string) {
	url := h.simURL + path

	var body io.Reader
	if r.Body != nil && method == http.MethodPost {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), method, url, body)
	if err != nil {
		h.logger.Error().Err(err).Str("path", path).Msg("failed to create proxy request")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error().Err(err).Str("url", url).Msg("failed to reach call simulator")
		writeError(w, http.StatusBadGateway, "call simulator unavailable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// GetSimStatus proxies GET /status to the call simulator
func (h *AdminHandler) GetSimStatus(w http.ResponseWriter, r *http.Request) {
	h.proxyToSim(w, r, http.MethodGet, "/status")
}

// StartSimCalls proxies POST /calls to the call simulator
func (h *AdminHandler) StartSimCalls(w http.ResponseWriter, r *http.Request) {
	h.proxyToSim(w, r, http.MethodPost, "/calls")
}

// StopSim proxies POST /stop to the call simulator
func (h *AdminHandler) StopSim(w http.ResponseWriter, r *http.Request) {
	h.proxyToSim(w, r, http.MethodPost, "/stop")
}

// ReloadRules handles POST /api/admin/rules/reload[?business_id=]. New calls
// load fresh rules; calls in progress keep the snapshot they started with.
func (h *AdminHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeError(w, http.StatusServiceUnavailable, "no rule source configured")
		return
	}
	businessID := r.URL.Query().Get("business_id")
	dropped := h.rules.Invalidate(businessID)

	h.logger.Info().Str("business_id", businessID).Int("dropped", dropped).Msg("rule cache invalidated via admin")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rule cache invalidated",
		"dropped": dropped,
	})
}

// GetCallbacks handles GET /api/admin/callbacks
func (h *AdminHandler) GetCallbacks(w http.ResponseWriter, r *http.Request) {
	pending := []types.CallbackRequest{}
	if h.callbacks != nil {
		pending = append(pending, h.callbacks.Pending()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"callbacks": pending,
		"count":     len(pending),
	})
}

// WipeStorage truncates all DynamoDB tables
func (h *AdminHandler) WipeStorage(w http.ResponseWriter, r *http.Request) {
	if err := h.store.TruncateAll(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to truncate DynamoDB tables")
		writeError(w, http.StatusInternalServerError, "failed to truncate: "+err.Error())
		return
	}

	h.logger.Info().Msg("DynamoDB tables truncated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "DynamoDB tables truncated",
	})
}
