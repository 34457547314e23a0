package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

type fakeRouter struct {
	mu        sync.Mutex
	started   []types.CallRequest
	placed    []types.CallRequest
	hangups   map[string]types.Outcome
	transfers []bool
	live      bool
	startErr  error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{hangups: make(map[string]types.Outcome), live: true}
}

func (f *fakeRouter) Start(_ context.Context, req types.CallRequest) (types.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return types.CallSession{}, f.startErr
	}
	f.started = append(f.started, req)
	return types.CallSession{CallID: "call-1", BusinessID: "biz", ProviderCallRef: req.ProviderCallRef}, nil
}

func (f *fakeRouter) PlaceCall(_ context.Context, req types.CallRequest) (types.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return types.CallSession{CallID: "call-2", ToNumber: req.ToNumber, Direction: req.Direction}, nil
}

func (f *fakeRouter) Hangup(callRef string, outcome types.Outcome) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups[callRef] = outcome
	return f.live
}

func (f *fakeRouter) TransferResult(_ string, answered bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, answered)
	return f.live
}

func postForm(h http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestHandleInbound(t *testing.T) {
	router := newFakeRouter()
	h := NewHandler(router, "https://voice.example.com", false, zerolog.Nop())

	rr := postForm(h.HandleInbound, "/voice/inbound?agent_id=a1", url.Values{
		"CallSid": {"CA1"}, "From": {"+15550111"}, "To": {"+15550199"},
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %s", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `url="wss://voice.example.com/voice/stream"`) || !strings.Contains(body, `value="call-1"`) {
		t.Errorf("expected stream twiml, got %s", body)
	}
	req := router.started[0]
	if req.ProviderCallRef != "CA1" || req.ToNumber != "+15550199" || req.AgentID != "a1" || req.Direction != types.DirectionInbound {
		t.Errorf("unexpected call request %+v", req)
	}
}

func TestHandleInboundErrors(t *testing.T) {
	router := newFakeRouter()
	h := NewHandler(router, "https://voice.example.com", false, zerolog.Nop())

	if rr := postForm(h.HandleInbound, "/voice/inbound", url.Values{"From": {"+1"}}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing CallSid: expected 400, got %d", rr.Code)
	}

	router.startErr = errors.New("no business")
	rr := postForm(h.HandleInbound, "/voice/inbound", url.Values{"CallSid": {"CA9"}})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<Hangup>") {
		t.Errorf("start failure must answer with hangup twiml, got %d %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/voice/inbound", nil)
	rr = httptest.NewRecorder()
	h.HandleInbound(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestHandleOutbound(t *testing.T) {
	tests := []struct {
		name        string
		dialEnabled bool
		body        string
		wantStatus  int
	}{
		{"placed", true, `{"to":"+15550199","business_id":"biz"}`, http.StatusOK},
		{"missing to", true, `{"business_id":"biz"}`, http.StatusBadRequest},
		{"invalid json", true, `{`, http.StatusBadRequest},
		{"dial disabled", false, `{"to":"+15550199"}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newFakeRouter()
			h := NewHandler(router, "", tt.dialEnabled, zerolog.Nop())
			req := httptest.NewRequest(http.MethodPost, "/voice/outbound", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.HandleOutbound(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var call types.CallSession
			if err := json.NewDecoder(rr.Body).Decode(&call); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if call.CallID != "call-2" || call.Direction != types.DirectionOutbound {
				t.Errorf("unexpected call %+v", call)
			}
		})
	}
}

func TestHandleStatusMapsOutcomes(t *testing.T) {
	tests := []struct {
		status  string
		outcome types.Outcome
		final   bool
	}{
		{"completed", types.OutcomeCompleted, true},
		{"busy", types.OutcomeNoAnswer, true},
		{"no-answer", types.OutcomeNoAnswer, true},
		{"canceled", types.OutcomeNoAnswer, true},
		{"failed", types.OutcomeFailed, true},
		{"ringing", "", false},
		{"in-progress", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			router := newFakeRouter()
			h := NewHandler(router, "", false, zerolog.Nop())
			rr := postForm(h.HandleStatus, "/voice/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {tt.status}})

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			got, called := router.hangups["CA1"]
			if called != tt.final {
				t.Fatalf("hangup forwarded = %v, want %v", called, tt.final)
			}
			if tt.final && got != tt.outcome {
				t.Errorf("expected outcome %s, got %s", tt.outcome, got)
			}
		})
	}
}

func TestHandleStatusUnknownCallIsIgnored(t *testing.T) {
	router := newFakeRouter()
	router.live = false
	h := NewHandler(router, "", false, zerolog.Nop())

	rr := postForm(h.HandleStatus, "/voice/status", url.Values{"CallSid": {"CA404"}, "CallStatus": {"completed"}})
	var body map[string]bool
	json.NewDecoder(rr.Body).Decode(&body)
	if !body["ignored"] {
		t.Errorf("expected ignored response, got %v", body)
	}
}

func TestHandleTransferStatus(t *testing.T) {
	tests := []struct {
		name          string
		target        string
		form          url.Values
		live          bool
		wantTransfers []bool
		wantInBody    string
	}{
		{
			name:          "number answered",
			target:        "/voice/transfer-status?call_id=call-1&leg=number",
			form:          url.Values{"CallStatus": {"in-progress"}},
			live:          true,
			wantTransfers: []bool{true},
		},
		{
			name:          "bridge finished",
			target:        "/voice/transfer-status?call_id=call-1",
			form:          url.Values{"DialCallStatus": {"completed"}},
			live:          true,
			wantTransfers: []bool{true},
			wantInBody:    "<Hangup>",
		},
		{
			name:          "declined resumes stream",
			target:        "/voice/transfer-status?call_id=call-1",
			form:          url.Values{"DialCallStatus": {"no-answer"}},
			live:          true,
			wantTransfers: []bool{false},
			wantInBody:    `<Stream url="wss://voice.example.com/voice/stream">`,
		},
		{
			name:          "declined after session ended",
			target:        "/voice/transfer-status?call_id=call-1",
			form:          url.Values{"DialCallStatus": {"busy"}},
			live:          false,
			wantTransfers: []bool{false},
			wantInBody:    "<Hangup>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newFakeRouter()
			router.live = tt.live
			h := NewHandler(router, "https://voice.example.com", false, zerolog.Nop())
			rr := postForm(h.HandleTransferStatus, tt.target, tt.form)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if len(router.transfers) != len(tt.wantTransfers) || (len(tt.wantTransfers) > 0 && router.transfers[0] != tt.wantTransfers[0]) {
				t.Errorf("transfers = %v, want %v", router.transfers, tt.wantTransfers)
			}
			if tt.wantInBody != "" && !strings.Contains(rr.Body.String(), tt.wantInBody) {
				t.Errorf("expected %q in body %s", tt.wantInBody, rr.Body.String())
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	router := newFakeRouter()
	h := NewHandler(router, "", false, zerolog.Nop())
	postForm(h.HandleStatus, "/voice/status", url.Values{"CallSid": {"CA5"}, "CallStatus": {"ringing"}})

	rr := httptest.NewRecorder()
	h.GetStats(rr, httptest.NewRequest(http.MethodGet, "/voice/stats", nil))
	var stats map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["statuses_received"].(float64) != 1 || stats["last_call_sid"] != "CA5" {
		t.Errorf("unexpected stats %v", stats)
	}
}
