package forecast

import (
	"context"
	"log/slog"

	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/persist"
)

// saveModel persists a model payload, logging instead of failing: losing one
// persistence interval is preferable to aborting a cycle.
func saveModel(path string, version int, payload any) {
	if path == "" {
		return
	}
	if err := persist.Save(path, version, payload); err != nil {
		ctx := context.Background()
		log.Ctx(ctx).WarnContext(ctx, "failed to persist model",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

// loadModel restores a model payload, tolerating missing or unknown files.
func loadModel(path string, version int, dest any) bool {
	if path == "" {
		return false
	}
	return persist.LoadOrFresh(path, version, dest)
}
