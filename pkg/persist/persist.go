// Package persist writes model state as versioned JSON files using the
// temp-file + rename pattern. Callers serialise their payload under their own
// lock and hand the bytes over; the file write itself happens outside any
// subsystem lock.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/strompilot/strompilot/pkg/log"
)

// ErrVersionMismatch is returned by Load when the file carries an unknown
// schema version. Callers treat it like a missing file and start fresh.
var ErrVersionMismatch = errors.New("unknown schema version")

// envelope wraps every persisted payload with its schema version.
type envelope struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Save atomically writes payload to path with the given schema version.
func Save(path string, version int, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.MarshalIndent(envelope{Version: version, Payload: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load reads path into dest if the file exists and carries the expected
// version. A missing file returns os.ErrNotExist; an unknown version returns
// ErrVersionMismatch. Corrupt JSON is reported as an error but callers are
// expected to start fresh rather than crash.
func Load(path string, version int, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if env.Version != version {
		return fmt.Errorf("%s has version %d, want %d: %w", filepath.Base(path), env.Version, version, ErrVersionMismatch)
	}
	if err := json.Unmarshal(env.Payload, dest); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadOrFresh is Load, but a missing, corrupt or version-mismatched file is
// logged and swallowed so callers can simply continue with zero state.
func LoadOrFresh(path string, version int, dest any) bool {
	err := Load(path, version, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Ctx(context.Background()).Warn("ignoring persisted state",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
	return false
}
