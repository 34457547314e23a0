package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/auth"
	"github.com/altiora-ai/callcore/internal/storage"
	"github.com/altiora-ai/callcore/internal/types"
)

const defaultFailureLimit = 100

// HistoryHandler serves persisted call records and webhook delivery failures
type HistoryHandler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(store storage.Store, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

// GetCalls handles GET /api/calls?date=YYYY-MM-DD[&business_id=]
func (h *HistoryHandler) GetCalls(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	businessID := r.URL.Query().Get("business_id")
	if businessID != "" && !allowed(claims, businessID) {
		writeError(w, http.StatusForbidden, "business not allowed")
		return
	}

	var (
		records []types.CallRecord
		err     error
	)
	if businessID != "" {
		records, err = h.store.GetBusinessCallsByDate(r.Context(), businessID, date)
	} else {
		records, err = h.store.GetCallRecords(r.Context(), date)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("date", date).Msg("failed to get call records")
		writeError(w, http.StatusInternalServerError, "failed to get call records")
		return
	}

	visible := []types.CallRecord{}
	for _, rec := range records {
		if allowed(claims, rec.BusinessID) {
			visible = append(visible, rec)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":  date,
		"calls": visible,
		"count": len(visible),
	})
}

// GetDeliveryFailures handles GET /api/delivery-failures[?call_id=&limit=]
func (h *HistoryHandler) GetDeliveryFailures(w http.ResponseWriter, r *http.Request) {
	var (
		failures []types.DeliveryFailure
		err      error
	)
	if callID := r.URL.Query().Get("call_id"); callID != "" {
		failures, err = h.store.GetDeliveryFailures(r.Context(), callID)
	} else {
		limit := defaultFailureLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		failures, err = h.store.ListDeliveryFailures(r.Context(), limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get delivery failures")
		writeError(w, http.StatusInternalServerError, "failed to get delivery failures")
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	visible := []types.DeliveryFailure{}
	for _, f := range failures {
		if allowed(claims, f.BusinessID) {
			visible = append(visible, f)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": visible,
		"count":    len(visible),
	})
}

// DismissDeliveryFailure handles DELETE /api/delivery-failures/{callId}/{eventKey}
func (h *HistoryHandler) DismissDeliveryFailure(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	eventKey := chi.URLParam(r, "eventKey")
	if callID == "" || eventKey == "" {
		writeError(w, http.StatusBadRequest, "callId and eventKey are required")
		return
	}

	if err := h.store.DeleteDeliveryFailure(r.Context(), callID, eventKey); err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Str("event_key", eventKey).Msg("failed to delete delivery failure")
		writeError(w, http.StatusInternalServerError, "failed to delete delivery failure")
		return
	}

	h.logger.Info().Str("call_id", callID).Str("event_key", eventKey).Msg("delivery failure dismissed")
	w.WriteHeader(http.StatusNoContent)
}
