package vehicle

import (
	"context"
	"log/slog"
	"time"

	"github.com/strompilot/strompilot/pkg/log"
)

// defaultPollInterval is the cadence while polls succeed. Vendor clouds rate
// limit aggressively, so this stays on the slow side.
const defaultPollInterval = 30 * time.Minute

// Poller drives one provider on its own goroutine and feeds results into the
// registry.
type Poller struct {
	provider Provider
	registry *Registry
	interval time.Duration

	failures int
}

// NewPoller returns a poller for one provider. A zero interval selects the
// default cadence.
func NewPoller(provider Provider, registry *Registry, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{provider: provider, registry: registry, interval: interval}
}

// Run polls until ctx is cancelled. Providers without active polling return
// immediately.
func (p *Poller) Run(ctx context.Context) {
	if !p.provider.SupportsActivePoll() {
		return
	}
	p.poll(ctx)
	for {
		wait := p.interval
		if d := backoffDelay(p.failures); d > wait {
			wait = d
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		p.poll(ctx)
	}
}

func (p *Poller) poll(ctx context.Context) {
	name := p.provider.Name()
	data, err := p.provider.Poll(ctx)
	if err != nil {
		p.failures++
		log.Ctx(ctx).WarnContext(ctx, "vehicle poll failed",
			slog.String("vehicle", name),
			slog.Int("consecutiveFailures", p.failures),
			slog.Duration("backoff", backoffDelay(p.failures)),
			slog.Any("error", err),
		)
		return
	}
	if p.failures > 0 {
		log.Ctx(ctx).InfoContext(ctx, "vehicle poll recovered", slog.String("vehicle", name))
	}
	p.failures = 0
	p.registry.ApplyPoll(name, data, time.Now().UTC())
	log.Ctx(ctx).DebugContext(ctx, "vehicle polled",
		slog.String("vehicle", name),
		slog.Float64("soc", data.SOC),
		slog.Bool("connected", data.Connected),
	)
}
