package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	got, err := parseTime("from", "2025-06-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), got)

	got, err = parseTime("from", "2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), got)

	_, err = parseTime("from", "yesterday")
	assert.ErrorContains(t, err, "--from")
}

func TestParseWindow(t *testing.T) {
	var start, end time.Time
	require.NoError(t, parseWindow("2025-06-02", "2025-06-05", &start, &end))
	assert.Equal(t, 72*time.Hour, end.Sub(start))

	start, end = time.Time{}, time.Time{}
	assert.Error(t, parseWindow("2025-06-05", "2025-06-02", &start, &end))

	start, end = time.Time{}, time.Time{}
	require.NoError(t, parseWindow("", "", &start, &end))
	assert.True(t, start.IsZero())
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "detect", "diagnose", "risk", "schedule", "plan", "bom", "order", "track", "export", "show", "replay", "simulate-alert", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
