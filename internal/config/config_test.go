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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, BackendFile, cfg.Backend.Kind)
	assert.Equal(t, 15, cfg.Detector.WindowMinutes)
	assert.Equal(t, 0.7, cfg.Detector.SeverityThreshold)
	assert.Equal(t, 4, cfg.Detector.MinSamples)
	assert.Equal(t, 168*time.Hour, cfg.Diagnosis.Lookback)
	assert.Equal(t, []int{24, 72}, cfg.Risk.Horizons)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 5000, cfg.Export.MaxDataPoints)
	assert.Equal(t, 150.0, cfg.Detector.Bounds["temperature"].Max)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
backend:
  kind: enhanced
  sqlite_path: /tmp/ooda.db
detector:
  window_minutes: 30
  signal_weights:
    voltage: 0.5
risk:
  horizons: [12, 48]
scheduler:
  interval: 5m
alerting:
  channels: [log]
`))
	require.NoError(t, err)

	assert.Equal(t, BackendEnhanced, cfg.Backend.Kind)
	assert.Equal(t, 30, cfg.Detector.WindowMinutes)
	assert.Equal(t, 0.5, cfg.Detector.SignalWeights["voltage"])
	assert.Equal(t, []int{12, 48}, cfg.Risk.Horizons)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"log"}, cfg.Alerting.Channels)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OODA_DETECTOR_WINDOW_MINUTES", "45")
	cfg, err := Load(writeConfig(t, "app:\n  name: env\n"))
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Detector.WindowMinutes)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "backend:\n  kind: redis\n",
		"postgres dsn":      "backend:\n  kind: postgres\n",
		"threshold":         "detector:\n  severity_threshold: 1.5\n",
		"bounds":            "detector:\n  bounds:\n    temperature: {min: 10, max: 0}\n",
		"spread":            "risk:\n  spread: 2\n",
		"horizon":           "risk:\n  horizons: [24, 0]\n",
		"crews":             "crews:\n  crews_available: 0\n",
		"hours per day":     "crews:\n  hours_per_day: 30\n",
		"telegram token":    "alerting:\n  telegram:\n    enabled: true\n    chat_id: x\n",
		"negative variants": "bom:\n  variants_per_type: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveHelpers(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}, Risk: RiskConfig{Horizons: []int{24}}}
	assert.Equal(t, 100, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
	assert.Equal(t, []int{24}, cfg.ResolveHorizons(nil))
	assert.Equal(t, []int{6}, cfg.ResolveHorizons([]int{6}))
}
