// Package statestore holds the last published snapshot and fans updates out
// to subscribers (SSE and websocket handlers). Reads never block the writer
// and a slow subscriber never blocks the decision loop.
package statestore

import (
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/arbitrage"
	"github.com/strompilot/strompilot/pkg/modectl"
	"github.com/strompilot/strompilot/pkg/types"
)

// subscriberBuffer bounds each subscriber channel. When the buffer is full
// the update is dropped for that subscriber; the next snapshot supersedes it
// anyway.
const subscriberBuffer = 10

// ReserveStatus is the buffer calculator's published view.
type ReserveStatus struct {
	CurrentPct int  `json:"current_pct"`
	Live       bool `json:"live"`
}

// Snapshot is everything one decision cycle publishes. SystemState is
// embedded so SSE clients see a flat object.
type Snapshot struct {
	types.SystemState

	LPAction        types.ActionLabel `json:"lp_action"`
	RLAction        types.ActionLabel `json:"rl_action"`
	EffectiveAction types.ActionLabel `json:"effective_action"`
	LastUpdate      time.Time         `json:"last_update"`

	Plan      *types.PlanHorizon `json:"plan,omitempty"`
	Arbitrage arbitrage.Status   `json:"arbitrage"`
	Mode      modectl.Status     `json:"mode"`
	Reserve   ReserveStatus      `json:"reserve"`
	Boost     *types.Boost       `json:"boost,omitempty"`
	Vehicles  []types.Vehicle    `json:"vehicles,omitempty"`
}

// Store is safe for concurrent use: one writer (the decision loop), many
// readers. The snapshot and the subscriber list are guarded separately so
// fan-out never holds up a Snapshot read.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{subs: make(map[chan Snapshot]struct{})}
}

// Update replaces the whole snapshot atomically and notifies subscribers.
// LastUpdate is monotonic: an update carrying an older timestamp keeps the
// newer value.
func (s *Store) Update(snap Snapshot) {
	s.mu.Lock()
	if snap.LastUpdate.Before(s.snap.LastUpdate) {
		snap.LastUpdate = s.snap.LastUpdate
	}
	s.snap = snap
	s.mu.Unlock()

	// sends happen after the state lock is released; subMu keeps cancel from
	// closing a channel mid-send, and the sends are non-blocking so the loop
	// never stalls here
	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// subscriber is behind, drop this update
		}
	}
	s.subMu.Unlock()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers a new subscriber. The returned channel receives every
// update the subscriber keeps up with; cancel must be called when done.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// remove before close: Update only sends to channels still in
			// the map, so nothing can send on ch once we release subMu
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}
