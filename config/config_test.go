package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
server:
  tcp_port: 9999
queue:
  overflow_dir: "/tmp/test_overflow"
  memory_capacity: 50
groups:
  - name: operational
    dsn: "user:pass@tcp(db1:3306)/"
    targets: [edge, qml]
  - name: status
    dsn: "user:pass@tcp(db3:3306)/"
    targets: [status]
store:
  driver: log
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, 9999, cfg.Server.TCPPort)
	assert.Equal(t, "/tmp/test_overflow", cfg.Queue.OverflowDir)
	assert.Equal(t, 50, cfg.Queue.MemoryCapacity)
	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, []string{"edge", "qml"}, cfg.Groups[0].Targets)
	assert.Equal(t, "user:pass@tcp(db3:3306)/", cfg.Groups[1].DSN)
	assert.Equal(t, "log", cfg.Store.Driver)

	// Check a default value that was not overridden
	assert.Equal(t, 3, cfg.Queue.MemoryAttempts)
	assert.Equal(t, 1, cfg.Queue.DrainAttempts)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
queue:
  drain_attempts: 3
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.DrainAttempts)
	assert.Equal(t, 7985, cfg.Server.TCPPort)
	assert.Equal(t, "./overflow", cfg.Queue.OverflowDir)
	assert.Equal(t, 1000, cfg.Queue.MemoryCapacity)
	assert.Len(t, cfg.Groups, 3)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 7985, cfg.Server.TCPPort)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 7985, cfg.Server.TCPPort)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
server:
  tcp_port: 9999
queue:
  overflow_dir: "/tmp/test_overflow"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_InvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		message string
	}{
		{"PortOutOfRange", "server:\n  tcp_port: 70000\n", "server.tcp_port"},
		{"NoOverflowDir", "queue:\n  overflow_dir: \"\"\n", "queue.overflow_dir"},
		{"ZeroCapacity", "queue:\n  memory_capacity: 0\n", "queue.memory_capacity"},
		{"NoGroups", "groups: []\n", "at least one group"},
		{"DuplicateTarget", "groups:\n  - name: a\n    targets: [edge]\n  - name: b\n    targets: [edge]\n", `target "edge"`},
		{"UnnamedGroup", "groups:\n  - targets: [edge]\n", "has no name"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
server:
  tcp_port: 12345
`
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 12345, cfg.Server.TCPPort)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 7985, cfg.Server.TCPPort)
	})
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"ValidHours", "24h", 24 * time.Hour},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}
