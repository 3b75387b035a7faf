package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pointConfigAway keeps a developer's local keygate.yaml out of the tests.
func pointConfigAway(t *testing.T) {
	t.Helper()
	t.Setenv("KEYGATE_CONFIG", filepath.Join(t.TempDir(), "nonexistent.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	pointConfigAway(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "data/keygate.db", cfg.Store.Path)
	assert.True(t, cfg.Security.RateLimit.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Security.Abuse.Window)
	assert.Equal(t, 5, cfg.Security.Abuse.Threshold)
	assert.Equal(t, time.Hour, cfg.Sweeper.SweepInterval)
	assert.Equal(t, 30, cfg.Sweeper.RetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	pointConfigAway(t)
	t.Setenv("KEYGATE_SERVER_PORT", "9090")
	t.Setenv("KEYGATE_STORE_PATH", "/tmp/other.db")
	t.Setenv("KEYGATE_SECURITY_ABUSE_THRESHOLD", "10")
	t.Setenv("KEYGATE_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
	assert.Equal(t, 10, cfg.Security.Abuse.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		wants string
	}{
		{
			name:  "port out of range",
			env:   map[string]string{"KEYGATE_SERVER_PORT": "70000"},
			wants: "out of range",
		},
		{
			name:  "unknown log level",
			env:   map[string]string{"KEYGATE_LOGGING_LEVEL": "verbose"},
			wants: "unknown log level",
		},
		{
			name:  "unknown log format",
			env:   map[string]string{"KEYGATE_LOGGING_FORMAT": "xml"},
			wants: "unknown log format",
		},
		{
			name:  "zero abuse threshold",
			env:   map[string]string{"KEYGATE_SECURITY_ABUSE_THRESHOLD": "0"},
			wants: "abuse threshold",
		},
		{
			name:  "zero retention",
			env:   map[string]string{"KEYGATE_SWEEPER_RETENTION_DAYS": "0"},
			wants: "retention days",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pointConfigAway(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wants)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9191
store:
  path: /var/lib/keygate/keys.db
security:
  admin_token_hash: "$2a$10$abcdefghijklmnopqrstuv"
logging:
  level: warn
`), 0o600))

	cfg, err := loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "/var/lib/keygate/keys.db", cfg.Store.Path)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", cfg.Security.AdminTokenHash)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))

	_, err := loadFromFile(path)
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	cfg := ServerConfig{Port: 8080}
	assert.Equal(t, ":8080", cfg.Addr())
}
