package loop

import (
	"context"
	"log/slog"

	"github.com/strompilot/strompilot/pkg/log"
)

// LogNotifier is the default Notifier: it surfaces the departure question in
// the log. Chat integrations replace it.
type LogNotifier struct{}

// AskDeparture implements Notifier.
func (LogNotifier) AskDeparture(ctx context.Context, vehicleName string) {
	log.Ctx(ctx).InfoContext(ctx, "Wann faehrt das Fahrzeug wieder los? Abfahrtszeit per API setzen",
		slog.String("vehicle", vehicleName),
	)
}
