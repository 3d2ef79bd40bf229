package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assembly-line-supervisor/internal/types"
)

const sample = `
line:
  stations: 4
  model: DD-02
mqtt:
  broker: mqtt://broker.local:1883
vision:
  stations: [1, 3]
  min_stable: 800ms
  alert_cooldown: 2s
queue:
  size: 50
pallets:
  - card: " C3 C3 64 AD"
    pallet: PLT01
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, v, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, 4, cfg.Line.Stations)
	assert.Equal(t, "DD-02", cfg.Line.Model)
	assert.Equal(t, time.Second, cfg.Line.StatusInterval)
	assert.Equal(t, "mqtt://broker.local:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "ControleProducao_DD", cfg.Topics.LineControl)

	vis := cfg.SupervisorVision()
	assert.True(t, vis.Enabled)
	assert.Equal(t, []types.StationID{1, 3}, vis.Stations)
	assert.Equal(t, 800*time.Millisecond, vis.MinStable)
	assert.Equal(t, 3*time.Second, vis.MaxAge)
	assert.Equal(t, 2*time.Second, vis.AlertCooldown)

	q := cfg.QueueSettings()
	assert.Equal(t, 50, q.Size)
	assert.Equal(t, 5, q.MaxRetries)

	assert.Equal(t, map[string]string{" C3 C3 64 AD": "PLT01"}, cfg.CardMap())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LINE_MQTT_BROKER", "mqtt://env-broker:1883")
	t.Setenv("LINE_LINE_STATIONS", "5")

	cfg, _, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "mqtt://env-broker:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 5, cfg.Line.Stations)
}

func TestLoad_Invalid(t *testing.T) {
	_, _, err := Load(writeConfig(t, "line:\n  stations: 2\nvision:\n  stations: [2]\n"))
	assert.ErrorContains(t, err, "vision.stations")

	_, _, err = Load(writeConfig(t, "pallets:\n  - card: X\n    pallet: PLT99\n"))
	assert.ErrorContains(t, err, "invalid pallet code")

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsVision(t *testing.T) {
	path := writeConfig(t, sample)
	_, v, err := Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	Watch(v, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) { changed <- c })

	updated := sample + "camera:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	// 写文件可能触发多次事件，等待包含新内容的那一次
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Camera.Enabled {
				assert.Equal(t, 4, c.Line.Stations)
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
