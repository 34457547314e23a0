package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
)

// Snapshot is an immutable, priority-ordered rule set for one agent.
// Sessions hold the snapshot they started with for their whole lifetime.
type Snapshot struct {
	BusinessID string
	AgentID    string
	Rules      []types.Rule
	Skipped    []string // IDs of rules that can never fire
	LoadedAt   time.Time
}

// NewSnapshot decodes raw rules, drops the unusable ones, and orders the
// rest by priority descending with ties broken by rule ID.
func NewSnapshot(businessID, agentID string, raw []RawRule, now time.Time) Snapshot {
	snap := Snapshot{BusinessID: businessID, AgentID: agentID, LoadedAt: now}
	for _, r := range raw {
		rule := Decode(r)
		if !rule.Active {
			continue
		}
		if !rule.Usable() {
			snap.Skipped = append(snap.Skipped, rule.ID)
			continue
		}
		snap.Rules = append(snap.Rules, rule)
	}
	sort.SliceStable(snap.Rules, func(i, j int) bool {
		if snap.Rules[i].Priority != snap.Rules[j].Priority {
			return snap.Rules[i].Priority > snap.Rules[j].Priority
		}
		return snap.Rules[i].ID < snap.Rules[j].ID
	})
	return snap
}

type cacheEntry struct {
	snap    Snapshot
	expires time.Time
}

// Cache serves rule snapshots keyed by business and agent with a TTL.
// When the source fails it keeps serving the last good snapshot.
type Cache struct {
	source Source
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a Cache in front of source.
func NewCache(source Source, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(businessID, agentID string) string {
	return businessID + "/" + agentID
}

// Snapshot returns the rule set for the agent. The returned snapshot is
// always usable; err reports a source failure that forced a stale or empty set.
func (c *Cache) Snapshot(ctx context.Context, businessID, agentID string) (Snapshot, error) {
	key := cacheKey(businessID, agentID)
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.snap, nil
	}

	raw, err := c.source.FetchRules(ctx, businessID, agentID)
	if err != nil {
		metrics.Get().RecordRuleLoad("error")
		c.logger.Warn().Err(err).Str("business_id", businessID).Str("agent_id", agentID).
			Bool("stale", ok).Msg("Rule fetch failed")
		if ok {
			return entry.snap, err
		}
		return Snapshot{BusinessID: businessID, AgentID: agentID, LoadedAt: now}, err
	}

	snap := NewSnapshot(businessID, agentID, raw, now)
	metrics.Get().RecordRuleLoad("ok")
	if len(snap.Skipped) > 0 {
		c.logger.Warn().Str("business_id", businessID).Strs("rule_ids", snap.Skipped).
			Msg("Skipping rules with unrecognized category, trigger or action")
	}
	c.logger.Debug().Str("business_id", businessID).Str("agent_id", agentID).
		Int("rules", len(snap.Rules)).Msg("Rule set loaded")

	c.mu.Lock()
	c.entries[key] = cacheEntry{snap: snap, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops cached snapshots for a business, or all when businessID is empty.
// Sessions already holding a snapshot keep it.
func (c *Cache) Invalidate(businessID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if businessID == "" || e.snap.BusinessID == businessID {
			delete(c.entries, key)
			n++
		}
	}
	return n
}
