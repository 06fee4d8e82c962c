// Package vehicle abstracts EV state sources behind one Provider interface
// and keeps a registry of last known vehicle state. Cloud providers are
// polled on a slow cadence with exponential back-off; manual entries never
// poll at all.
package vehicle

import (
	"context"
	"fmt"
	"time"

	"github.com/strompilot/strompilot/pkg/types"
)

// Provider is one source of vehicle state. Implementations are used by a
// single poller goroutine and need no internal locking.
type Provider interface {
	Name() string
	// Poll fetches the current vehicle data. It is only called when
	// SupportsActivePoll is true.
	Poll(ctx context.Context) (types.VehicleData, error)
	SupportsActivePoll() bool
}

// New builds the provider for one configured vehicle.
func New(cfg types.VehicleSettings) (Provider, error) {
	switch cfg.Provider {
	case types.ProviderManual:
		return &manualProvider{name: cfg.Name}, nil
	case types.ProviderHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("vehicle %s: http provider needs a url", cfg.Name)
		}
		return newHTTPProvider(cfg.Name, cfg.URL), nil
	case types.ProviderKia:
		return newKiaProvider(cfg)
	case types.ProviderRenault:
		return newRenaultProvider(cfg)
	}
	return nil, fmt.Errorf("vehicle %s: unknown provider %q", cfg.Name, cfg.Provider)
}

// manualProvider never polls; its SoC only changes through the API.
type manualProvider struct {
	name string
}

func (m *manualProvider) Name() string { return m.name }

func (m *manualProvider) Poll(context.Context) (types.VehicleData, error) {
	return types.VehicleData{}, fmt.Errorf("vehicle %s: manual provider does not poll", m.name)
}

func (m *manualProvider) SupportsActivePoll() bool { return false }

// backoffSchedule is applied after consecutive poll failures; typically a
// vendor rate limit or expired credentials.
var backoffSchedule = []time.Duration{
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	16 * time.Hour,
	24 * time.Hour,
}

// backoffDelay returns the wait after the given number of consecutive
// failures, monotonic and capped at 24 h. Zero failures means no back-off.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > len(backoffSchedule) {
		failures = len(backoffSchedule)
	}
	return backoffSchedule[failures-1]
}
