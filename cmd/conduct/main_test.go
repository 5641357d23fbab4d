package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsDefaultsToSingleNilSeed(t *testing.T) {
	seeds, err := loadSeeds("")
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, seeds)
}

func TestLoadSeedsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"v":1},{"v":2}]`), 0o644))

	seeds, err := loadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, map[string]any{"v": float64(1)}, seeds[0])
}

func TestLoadSeedsScalarBecomesSingleItem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"only":"one"}`), 0o644))

	seeds, err := loadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
}

func TestLoadSeedsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := loadSeeds(path)
	assert.Error(t, err)
}

func TestRunCheckValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipelines:
  p:
    activities:
      - {name: a, op: noop}
`), 0o644))

	assert.Equal(t, 0, runCheck([]string{"--config", path}))
}

func TestRunCheckInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipelines:\n  p:\n    activities: []\n"), 0o644))

	assert.Equal(t, 1, runCheck([]string{"--config", path}))
}

func TestLockThenCheckDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "pipelines:\n  p:\n    activities:\n      - {name: a, op: noop}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	require.Equal(t, 0, runLock([]string{"--config", path}))
	require.Equal(t, 0, runCheck([]string{"--config", path}))

	require.NoError(t, os.WriteFile(path, []byte(body+"# edited\n"), 0o644))
	assert.Equal(t, 1, runCheck([]string{"--config", path}))
}
