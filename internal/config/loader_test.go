package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
service:
  name: test-gw
pipelines:
  ingest:
    activities:
      - name: fetch
        exec: ./fetch.sh
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-gw", cfg.Service.Name)
	assert.Equal(t, 10, cfg.Service.PoolSize)
	assert.Equal(t, time.Second, cfg.Service.HookTimeout)
	require.Contains(t, cfg.Pipelines, "ingest")
	assert.Equal(t, "fetch", cfg.Pipelines["ingest"].Activities[0].Name)
}

func TestLoadDirectoryResolvesConfigYAML(t *testing.T) {
	path := writeConfig(t, `
pipelines:
  p:
    activities:
      - name: a
        op: noop
`)
	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Contains(t, cfg.Pipelines, "p")
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_HOOKS_FILE", "/opt/hooks.sh")
	path := writeConfig(t, `
pipelines:
  p:
    hooks:
      file: ${TEST_HOOKS_FILE}
    activities:
      - name: a
        op: noop
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/hooks.sh", cfg.Pipelines["p"].Hooks.File)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"empty pipeline",
			"pipelines:\n  p:\n    activities: []\n",
			"no activities",
		},
		{
			"duplicate activity",
			`
pipelines:
  p:
    activities:
      - {name: a, op: x}
      - {name: a, op: y}
`,
			"duplicate activity",
		},
		{
			"unknown kind",
			`
pipelines:
  p:
    activities:
      - {name: a, kind: sometimes, op: x}
`,
			"unknown kind",
		},
		{
			"while without pred",
			`
pipelines:
  p:
    activities:
      - {name: a, kind: while, op: x}
`,
			"needs pred",
		},
		{
			"split without join",
			`
pipelines:
  p:
    activities:
      - {name: a, kind: split, split: s, op: x}
`,
			"needs split and join",
		},
		{
			"break with body",
			`
pipelines:
  p:
    activities:
      - {name: a, kind: break, pred: q, op: x}
`,
			"must not have a body",
		},
		{
			"two bodies",
			`
pipelines:
  p:
    activities:
      - {name: a, op: x, exec: ./x.sh}
`,
			"exactly one of",
		},
		{
			"api without listen",
			"api:\n  enabled: true\npipelines:\n  p:\n    activities:\n      - {name: a, op: x}\n",
			"api.listen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNestedActivitiesValidated(t *testing.T) {
	path := writeConfig(t, `
pipelines:
  p:
    activities:
      - name: loop
        kind: while
        pred: more
        activities:
          - {name: inner, kind: while, op: x}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs pred")
}

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: {name: x}\n"), 0o644))

	require.NoError(t, Lock(dir, []string{"config.yaml"}))
	require.NoError(t, Verify(dir))

	// Tamper and verify again.
	require.NoError(t, os.WriteFile(path, []byte("service: {name: y}\n"), 0o644))
	err := Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyWithoutManifest(t *testing.T) {
	assert.NoError(t, Verify(t.TempDir()))
}
