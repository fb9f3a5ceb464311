package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/trapline/internal/model"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2222, cfg.Bindings[model.ProtocolSSH].Port)
	assert.Equal(t, 16, cfg.Caps.PerOrigin)
	assert.Equal(t, 4096, cfg.Caps.PayloadBytes)
	assert.InDelta(t, 0.05, cfg.SuspicionDelta("ssh.auth_attempt"), 1e-9)
	assert.Zero(t, cfg.SuspicionDelta("made.up_kind"), "unknown kinds contribute nothing")
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trapline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
seed: "test-deployment"
caps:
  per_origin: 4
  global: 64
  actions_per_session: 100
  payload_bytes: 1024
lures:
  credentials:
    - username: admin
      password: admin123
ssh:
  min_attempts: 2
  max_attempts: 6
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-deployment", cfg.Seed)
	assert.Equal(t, 4, cfg.Caps.PerOrigin)
	assert.Equal(t, 2, cfg.SSH.MinAttempts)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2121, cfg.Bindings[model.ProtocolFTP].Port)
	assert.Equal(t, "memory://", cfg.Bus.URL)

	creds := cfg.LureCredentials()
	require.Len(t, creds, 1)
	assert.Equal(t, "admin", creds[0].Username)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no bindings", func(c *Config) { c.Bindings = nil }, "no bindings"},
		{"all disabled", func(c *Config) {
			for k, b := range c.Bindings {
				b.Enabled = false
				c.Bindings[k] = b
			}
		}, "all bindings disabled"},
		{"bad port", func(c *Config) {
			c.Bindings[model.ProtocolSSH] = Binding{Addr: "0.0.0.0", Port: 70000, Enabled: true}
		}, "invalid port"},
		{"zero caps", func(c *Config) { c.Caps.Global = 0 }, "caps must be positive"},
		{"origin above global", func(c *Config) { c.Caps.PerOrigin = 10; c.Caps.Global = 5 }, "exceeds global cap"},
		{"zero payload", func(c *Config) { c.Caps.PayloadBytes = 0 }, "payload_bytes"},
		{"zero timeouts", func(c *Config) { c.Timeouts.IdleMS = 0 }, "timeouts must be positive"},
		{"ssh attempts inverted", func(c *Config) { c.SSH.MaxAttempts = 2; c.SSH.MinAttempts = 5 }, "max_attempts"},
		{"missing store url", func(c *Config) { c.Store.URL = "" }, "store.url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSetLureCredentials_Swaps(t *testing.T) {
	cfg := Default()
	cfg.SetLureCredentials([]LureCredential{{Username: "root", Password: "toor"}})
	creds := cfg.LureCredentials()
	require.Len(t, creds, 1)

	// The returned slice is a copy; mutating it does not leak back.
	creds[0].Password = "changed"
	assert.Equal(t, "toor", cfg.LureCredentials()[0].Password)
}

func TestTimeoutAccessors(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.IdleMS = 1500
	assert.Equal(t, "1.5s", cfg.IdleTimeout().String())
}
