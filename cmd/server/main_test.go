package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/api"
	"github.com/altiora-ai/callcore/internal/auth"
	"github.com/altiora-ai/callcore/internal/config"
	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/session"
	"github.com/altiora-ai/callcore/internal/storage"
	"github.com/altiora-ai/callcore/internal/telephony"
	"github.com/altiora-ai/callcore/internal/websocket"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	healthHandler(rec, req)

	// Check status code
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	// Check content type
	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	// Parse response body
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	// Check response fields
	if response["status"] != "ok" {
		t.Errorf("expected status ok, got %s", response["status"])
	}
	if response["service"] != "callcore" {
		t.Errorf("expected service callcore, got %s", response["service"])
	}
}

func TestHealthHandlerMethods(t *testing.T) {
	tests := []struct {
		method         string
		expectedStatus int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusOK},    // Handler doesn't check method
		{http.MethodPut, http.StatusOK},     // Handler doesn't check method
		{http.MethodDelete, http.StatusOK},  // Handler doesn't check method
		{http.MethodOptions, http.StatusOK}, // Handler doesn't check method
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			rec := httptest.NewRecorder()

			healthHandler(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func testRouter(t *testing.T, skipAuth bool) chi.Router {
	t.Helper()
	logger := zerolog.Nop()
	cfg := &config.Config{AllowedOrigins: []string{"*"}, CallSimURL: "http://127.0.0.1:1"}

	ruleCache := rules.NewCache(rules.NoSource{}, time.Minute, logger)
	manager := session.NewManager(session.ManagerConfig{}, session.Deps{}, ruleCache, logger)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	store := storage.NewNoopStore()
	hub := websocket.NewHub(logger)

	return newRouter(cfg, routes{
		voice:    telephony.NewHandler(manager, "", false, logger),
		stream:   telephony.StreamHandler(manager, telephony.DefaultStreamConfig(), logger),
		ws:       websocket.NewHandler(hub, cfg, logger),
		sessions: api.NewSessionsHandler(manager, logger),
		history:  api.NewHistoryHandler(store, logger),
		admin:    api.NewAdminHandler(cfg.CallSimURL, ruleCache, nil, store, logger),
		auth:     auth.New(auth.Options{SkipAuth: skipAuth}, logger),
	})
}

func TestRouterRoutes(t *testing.T) {
	r := testRouter(t, true)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/health", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"sessions", http.MethodGet, "/api/sessions", http.StatusOK},
		{"unknown session", http.MethodGet, "/api/sessions/nope", http.StatusNotFound},
		{"calls", http.MethodGet, "/api/calls?date=2026-01-02", http.StatusOK},
		{"delivery failures", http.MethodGet, "/api/delivery-failures", http.StatusOK},
		{"rules reload", http.MethodPost, "/api/admin/rules/reload", http.StatusOK},
		{"callbacks", http.MethodGet, "/api/admin/callbacks", http.StatusOK},
		{"sim unreachable", http.MethodGet, "/api/admin/sim/status", http.StatusBadGateway},
		{"voice stats", http.MethodGet, "/voice/stats", http.StatusOK},
		{"outbound without twilio", http.MethodPost, "/voice/outbound", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.method == http.MethodPost {
				body = strings.NewReader(`{"to":"+15550100"}`)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s: expected %d, got %d (%s)", tt.method, tt.path, tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRouterRequiresToken(t *testing.T) {
	r := testRouter(t, false)

	for _, path := range []string{"/api/sessions", "/ws"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", rec.Code)
	}
}
