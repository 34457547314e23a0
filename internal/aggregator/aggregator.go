// Package aggregator builds the periodic sessions overview pushed to the
// monitor feed.
package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/alerts"
	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
	"github.com/altiora-ai/callcore/internal/websocket"
)

// OverviewType tags the overview message on the feed
const OverviewType = "sessions_overview"

// SessionLister returns the tracked calls
type SessionLister interface {
	List() []types.CallSession
}

// Publisher receives each overview
type Publisher interface {
	PublishOverview(types.SessionsOverview)
}

// Aggregator snapshots live sessions and broadcasts overviews
type Aggregator struct {
	sessions SessionLister
	hub      Publisher
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAggregator creates a new aggregator
func NewAggregator(sessions SessionLister, hub Publisher, interval time.Duration, logger zerolog.Logger) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		sessions: sessions,
		hub:      hub,
		interval: interval,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		now:      time.Now,
	}
}

// Start broadcasts an overview every interval until ctx is done
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("aggregator stopped")
			return

		case <-ticker.C:
			cycleStart := time.Now()
			overview, ok := a.Build()
			if !ok {
				continue
			}
			a.hub.PublishOverview(overview)
			metrics.Get().RecordAggregationCycle(time.Since(cycleStart))

			a.logger.Debug().
				Int("sessions", overview.Summary.TotalSessions).
				Msg("overview broadcasted")
		}
	}
}

// Build returns the current overview, or false when no calls are tracked.
func (a *Aggregator) Build() (types.SessionsOverview, bool) {
	calls := a.sessions.List()
	if len(calls) == 0 {
		return types.SessionsOverview{}, false
	}

	now := a.now()
	infos := make([]types.SessionInfo, len(calls))
	for i, c := range calls {
		infos[i] = types.SessionInfo{
			CallSession: c,
			ElapsedSecs: c.Elapsed(now).Seconds(),
		}
	}
	alerts.CheckSessionAlerts(infos, now)

	return types.SessionsOverview{
		Type:      OverviewType,
		Timestamp: now,
		Summary:   websocket.Summarize(infos),
		Sessions:  infos,
	}, true
}
