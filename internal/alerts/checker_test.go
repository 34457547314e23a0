package alerts

import (
	"testing"
	"time"

	"github.com/altiora-ai/callcore/internal/types"
)

func TestCheckSessionAlerts(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name    string
		session types.CallSession
		rules   []string
	}{
		{"fresh call", types.CallSession{State: types.CallStateActive, ActiveAt: at(time.Minute)}, nil},
		{"long call", types.CallSession{State: types.CallStateActive, ActiveAt: at(16 * time.Minute)}, []string{"call_long"}},
		{"degraded", types.CallSession{State: types.CallStateActive, ActiveAt: at(time.Minute), DegradedTurns: 3}, []string{"degraded_turns"}},
		{"two degraded", types.CallSession{State: types.CallStateActive, ActiveAt: at(time.Minute), DegradedTurns: 2}, nil},
		{"both", types.CallSession{State: types.CallStateActing, ActiveAt: at(20 * time.Minute), DegradedTurns: 4}, []string{"call_long", "degraded_turns"}},
		{"connecting", types.CallSession{State: types.CallStateConnecting}, nil},
		{"ended", types.CallSession{State: types.CallStateEnded, ActiveAt: at(30 * time.Minute), EndedAt: at(0), DegradedTurns: 5}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := []types.SessionInfo{{CallSession: tt.session}}
			CheckSessionAlerts(sessions, now)

			got := sessions[0].Alerts
			if len(got) != len(tt.rules) {
				t.Fatalf("expected alerts %v, got %+v", tt.rules, got)
			}
			for i, rule := range tt.rules {
				if got[i].Rule != rule {
					t.Errorf("alert %d = %s, want %s", i, got[i].Rule, rule)
				}
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		16*time.Minute + 5*time.Second: "16m5s",
		75 * time.Minute:               "1h15m",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %s, want %s", d, got, want)
		}
	}
}
