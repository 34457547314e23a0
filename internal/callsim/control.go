package callsim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxCallsPerBatch = 500

// API provides HTTP control interface for the simulator
type API struct {
	sim    *Simulator
	ctx    context.Context
	logger zerolog.Logger
}

// NewAPI creates a new control API. Batches run under ctx.
func NewAPI(ctx context.Context, sim *Simulator, logger zerolog.Logger) *API {
	return &API{sim: sim, ctx: ctx, logger: logger}
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/calls", api.callsHandler).Methods("POST")
	router.HandleFunc("/stop", api.stopHandler).Methods("POST")
}

// healthHandler returns service health
func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// statusHandler returns current simulation status
func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.sim.Status())
}

// callsHandler starts a batch of simulated calls
func (api *API) callsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count       int `json:"count"`
		Concurrency int `json:"concurrency"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxCallsPerBatch {
		req.Count = maxCallsPerBatch
	}

	if err := api.sim.Start(api.ctx, req.Count, req.Concurrency); err != nil {
		if errors.Is(err, ErrRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		api.logger.Error().Err(err).Msg("failed to start simulation")
		http.Error(w, "failed to start simulation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "simulation started",
		"calls":   req.Count,
	})
}

// stopHandler stops the simulation
func (api *API) stopHandler(w http.ResponseWriter, r *http.Request) {
	if !api.sim.Stop() {
		http.Error(w, "simulation not running", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "simulation stopped",
	})
}

// Start starts the HTTP server and shuts it down when ctx ends
func (api *API) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	return server.ListenAndServe()
}
