package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/vehicle"
)

// collectInterval is the site-state poll cadence, independent of the
// decision cycle.
const collectInterval = time.Minute

// Collector polls the evcc site state on a fixed cadence and keeps the last
// good result for the decision loop. Loadpoint data is mirrored into the
// vehicle registry as it arrives.
type Collector struct {
	api      evcc.API
	registry *vehicle.Registry

	mu     sync.Mutex
	last   evcc.State
	lastAt time.Time
}

// NewCollector returns a collector without any data yet.
func NewCollector(api evcc.API, registry *vehicle.Registry) *Collector {
	return &Collector{api: api, registry: registry}
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.collect(ctx)
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	st, err := c.api.State(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "site state poll failed", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()

	c.mu.Lock()
	c.last = st
	c.lastAt = now
	c.mu.Unlock()

	for _, lp := range st.Loadpoints {
		if lp.VehicleName == "" {
			continue
		}
		c.registry.ApplyLoadpoint(lp.VehicleName, lp.Connected, lp.Charging, lp.VehicleSOC, now)
	}
}

// Latest returns the last good site state. ok is false until the first
// successful poll; at is when it was fetched.
func (c *Collector) Latest() (st evcc.State, at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastAt, !c.lastAt.IsZero()
}

// Refresh forces one immediate poll, used by the decision loop when its
// snapshot is older than a cycle.
func (c *Collector) Refresh(ctx context.Context) {
	c.collect(ctx)
}
