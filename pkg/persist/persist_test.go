package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	Data  []float64 `json:"data"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := payload{Name: "pv", Count: 7, Data: []float64{1.5, 0, -2.25}}

	require.NoError(t, Save(path, 3, want))

	var got payload
	require.NoError(t, Load(path, 3, &got))
	assert.Equal(t, want, got)
}

func TestLoadMissingFile(t *testing.T) {
	var got payload
	err := Load(filepath.Join(t.TempDir(), "absent.json"), 1, &got)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, 1, payload{Name: "old"}))

	var got payload
	err := Load(path, 2, &got)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got payload
	err := Load(path, 1, &got)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrNotExist)
}

func TestSaveCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	require.NoError(t, Save(path, 1, payload{Name: "nested"}))

	var got payload
	require.NoError(t, Load(path, 1, &got))
	assert.Equal(t, "nested", got.Name)
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, 1, payload{Count: 1}))
	require.NoError(t, Save(path, 1, payload{Count: 2}))

	var got payload
	require.NoError(t, Load(path, 1, &got))
	assert.Equal(t, 2, got.Count)
}

func TestLoadOrFresh(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		var got payload
		assert.False(t, LoadOrFresh(filepath.Join(dir, "absent.json"), 1, &got))
	})
	t.Run("version mismatch", func(t *testing.T) {
		path := filepath.Join(dir, "old.json")
		require.NoError(t, Save(path, 1, payload{Name: "old"}))
		var got payload
		assert.False(t, LoadOrFresh(path, 2, &got))
	})
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "ok.json")
		require.NoError(t, Save(path, 1, payload{Name: "ok"}))
		var got payload
		assert.True(t, LoadOrFresh(path, 1, &got))
		assert.Equal(t, "ok", got.Name)
	})
}
