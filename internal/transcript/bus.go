// Package transcript holds the ordered utterance log of a call and fans
// committed utterances out to subscribers.
package transcript

import (
	"sync"
	"time"

	"github.com/altiora-ai/callcore/internal/types"
)

// Listener receives committed utterances in commit order
type Listener func(types.Utterance)

// Bus is the per-call transcript. Agent utterances are staged while their
// audio plays and only become visible once committed.
type Bus struct {
	callID  string
	started time.Time
	now     func() time.Time

	mu        sync.RWMutex
	committed []types.Utterance
	staged    *types.Utterance
	listeners []Listener
}

// NewBus creates a Bus for a call whose offsets count from started.
func NewBus(callID string, started time.Time) *Bus {
	return &Bus{callID: callID, started: started, now: time.Now}
}

// Subscribe registers l for every later commit.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish commits u immediately and returns it with sequence and offset set.
func (b *Bus) Publish(u types.Utterance) types.Utterance {
	b.mu.Lock()
	u = b.prepare(u)
	b.committed = append(b.committed, u)
	listeners := b.listeners
	b.mu.Unlock()

	for _, l := range listeners {
		l(u)
	}
	return u
}

// Stage holds u as the pending agent utterance, replacing any earlier one.
func (b *Bus) Stage(u types.Utterance) {
	b.mu.Lock()
	u.CallID = b.callID
	u.Offset = b.now().Sub(b.started)
	b.staged = &u
	b.mu.Unlock()
}

// Commit publishes the staged utterance. ok is false if nothing was staged.
func (b *Bus) Commit() (types.Utterance, bool) {
	b.mu.Lock()
	if b.staged == nil {
		b.mu.Unlock()
		return types.Utterance{}, false
	}
	u := *b.staged
	b.staged = nil
	// offset stays at playback start so the transcript reads in speaking order
	u = b.prepareAt(u, u.Offset)
	b.committed = append(b.committed, u)
	listeners := b.listeners
	b.mu.Unlock()

	for _, l := range listeners {
		l(u)
	}
	return u, true
}

// Discard drops the staged utterance. It reports whether one was staged.
func (b *Bus) Discard() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	had := b.staged != nil
	b.staged = nil
	return had
}

// Recent returns up to n most recent committed utterances by speaker, oldest first.
func (b *Bus) Recent(speaker types.Speaker, n int) []types.Utterance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.Utterance
	for i := len(b.committed) - 1; i >= 0 && len(out) < n; i-- {
		if b.committed[i].Speaker == speaker {
			out = append(out, b.committed[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// All returns a copy of every committed utterance.
func (b *Bus) All() []types.Utterance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Utterance, len(b.committed))
	copy(out, b.committed)
	return out
}

// Len returns the number of committed utterances.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.committed)
}

func (b *Bus) prepare(u types.Utterance) types.Utterance {
	return b.prepareAt(u, b.now().Sub(b.started))
}

// prepareAt assigns the next sequence and clamps the offset so offsets
// never decrease along the committed log.
func (b *Bus) prepareAt(u types.Utterance, offset time.Duration) types.Utterance {
	u.CallID = b.callID
	u.Seq = len(b.committed) + 1
	if n := len(b.committed); n > 0 && offset < b.committed[n-1].Offset {
		offset = b.committed[n-1].Offset
	}
	u.Offset = offset
	return u
}
