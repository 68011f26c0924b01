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
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SANDBOX_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, int64(64*1024), cfg.Sandbox.MaxOutputBytes)
	assert.Equal(t, 4, cfg.Sandbox.MaxConcurrent)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.QueueTimeout)
	assert.Equal(t, 100000, cfg.Sandbox.MaxCodeBytes)
	assert.Equal(t, "none", cfg.Sandbox.Network)
	assert.Equal(t, "nobody", cfg.Sandbox.User)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
sandbox:
  timeout: 2s
  max_concurrent: 8
languages:
  python:
    image: python:3.13-alpine
auth:
  jwt_secret: from-file
`)
	t.Setenv("SANDBOX_SANDBOX_MAX_CONCURRENT", "16")
	t.Setenv("SANDBOX_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 16, cfg.Sandbox.MaxConcurrent, "environment overrides the file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	p, ok := reg.Resolve("python")
	require.True(t, ok)
	assert.Equal(t, "python:3.13-alpine", p.Image)

	exec := cfg.Executor()
	assert.Equal(t, 2*time.Second, exec.Timeout)
	assert.Equal(t, 16, exec.MaxConcurrent)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero timeout", "sandbox:\n  timeout: 0s\n"},
		{"negative output ceiling", "sandbox:\n  max_output_bytes: -1\n"},
		{"zero concurrency", "sandbox:\n  max_concurrent: 0\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"unknown language override", "languages:\n  ruby:\n    image: ruby:3\n"},
		{"alias override", "languages:\n  py:\n    image: python:3\n"},
		{"empty image", "languages:\n  go:\n    image: \"\"\n"},
		{"blank instance id", "sandbox:\n  instance_id: \" \"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDockerConfig(t *testing.T) {
	path := writeConfig(t, "sandbox:\n  memory_limit: 268435456\n  cpu_limit: 1.5\n  network: bridge\n  instance_id: worker-2\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	d := cfg.Docker()
	assert.Equal(t, int64(256*1024*1024), d.MemoryLimit)
	assert.Equal(t, 1.5, d.CPULimit)
	assert.Equal(t, "bridge", d.NetworkMode)
	assert.Equal(t, "nobody", d.User)
	assert.Equal(t, "worker-2", d.InstanceID)
}
