package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/types"
)

// BoostManager owns the single active boost override. A new activation
// replaces any prior one (last wins) and the expiry timer fires at most once
// per activation.
type BoostManager struct {
	mu      sync.Mutex
	current *types.Boost
	timer   *time.Timer

	// onExpire is called outside the lock when a boost runs out on its own.
	onExpire func(types.Boost)
}

// NewBoostManager returns an empty manager. onExpire may be nil.
func NewBoostManager(onExpire func(types.Boost)) *BoostManager {
	return &BoostManager{onExpire: onExpire}
}

// Activate starts a boost for the given vehicle, replacing any active one.
func (b *BoostManager) Activate(ctx context.Context, vehicle, source string) types.Boost {
	now := time.Now().UTC()
	boost := types.Boost{
		Vehicle:     vehicle,
		Source:      source,
		ActivatedAt: now,
		ExpiresAt:   now.Add(types.BoostDuration),
	}

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.current = &boost
	b.timer = time.AfterFunc(types.BoostDuration, func() { b.expire(boost) })
	b.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "boost activated",
		slog.String("vehicle", vehicle),
		slog.String("source", source),
		slog.Time("expiresAt", boost.ExpiresAt),
	)
	return boost
}

func (b *BoostManager) expire(boost types.Boost) {
	b.mu.Lock()
	// a replacement boost may have raced the timer
	if b.current == nil || b.current.ActivatedAt != boost.ActivatedAt {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.mu.Unlock()

	if b.onExpire != nil {
		b.onExpire(boost)
	}
}

// Deactivate clears the active boost, if any. Returns true when one was
// cleared.
func (b *BoostManager) Deactivate(ctx context.Context, reason string) bool {
	b.mu.Lock()
	if b.current == nil {
		b.mu.Unlock()
		return false
	}
	boost := *b.current
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.current = nil
	b.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "boost deactivated",
		slog.String("vehicle", boost.Vehicle),
		slog.String("reason", reason),
	)
	return true
}

// Active returns the current boost when one is running.
func (b *BoostManager) Active(now time.Time) (types.Boost, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || !b.current.Active(now) {
		return types.Boost{}, false
	}
	return *b.current, true
}
