package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooda-engine/internal/backend"
	"ooda-engine/internal/config"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/inputs"
)

const fixtureAssets = `assets:
  - id: inv-1
    capacity_kw: 100
    components:
      - oem: Acme
        model: X1
        serial: SN123
        type: inverter
`

const fixtureObservations = `timestamp,temperature,voltage
2025-06-01T10:00:00Z,45,600
2025-06-01T10:01:00Z,46,
2025-06-01T10:02:00Z,94,601
2025-06-01T10:03:00Z,47,600
`

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	in := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(in, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write(inputs.AssetsFile, fixtureAssets)
	write(inputs.CatalogFile, "parts: []\n")
	write(filepath.Join(inputs.ObservationsDir, "inv-1.csv"), fixtureObservations)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("backend:\n  kind: file\n  root_dir: %s\ninputs:\n  dir: %s\n  watch: false\n", t.TempDir(), in)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestDetectThenShow(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.Detect(ctx, backend.DetectRequest{AssetID: "inv-1", WindowMinutes: 15, SeverityThreshold: 0.7}))
	assert.Contains(t, out.String(), "inv-1-20250601T100300Z")

	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{Stage: "findings", AssetID: "inv-1", Limit: 10}))
	assert.Contains(t, out.String(), "inv-1-20250601T100300Z")
	assert.Contains(t, out.String(), "severity=")
	assert.Contains(t, out.String(), "signals=temperature")

	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{Stage: "findings", AssetID: "inv-1", ID: "inv-1-20250601T100300Z", Limit: 10}))
	var finding map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &finding))
	assert.Equal(t, "inv-1", finding["asset_id"])

	assert.Error(t, a.Show(ctx, ShowOptions{Stage: "findings", Limit: 10}))
	assert.Error(t, a.Show(ctx, ShowOptions{Stage: "invoices", Limit: 10}))
}

func TestShowEmptyStage(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, a.Show(context.Background(), ShowOptions{Stage: "orders", Limit: 5}))
	assert.Contains(t, out.String(), "no artifacts found")
}

func TestTrackThenShowSubscribers(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.Track(ctx, backend.TrackRequest{Email: "ops@example.com", JobID: "job-1"}))
	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{Stage: "tracking", Limit: 5}))
	assert.Contains(t, out.String(), "ops@example.com")
}

func TestExportCSV(t *testing.T) {
	a, _ := newTestApp(t)
	path := filepath.Join(t.TempDir(), "out", "inv-1.csv")

	require.NoError(t, a.Export(context.Background(), ExportOptions{AssetID: "inv-1", CSVPath: path}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 5)
	assert.Equal(t, []string{"timestamp", "temperature", "voltage"}, records[0])
	assert.Equal(t, []string{"2025-06-01T10:01:00Z", "46", ""}, records[2])
}

func TestExportWindowAndDownsample(t *testing.T) {
	a, _ := newTestApp(t)
	path := filepath.Join(t.TempDir(), "inv-1.csv")
	from := time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC)

	require.NoError(t, a.Export(context.Background(), ExportOptions{AssetID: "inv-1", CSVPath: path, From: &from, MaxPoints: 2}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2025-06-01T10:01:00Z", records[1][0])
	assert.Equal(t, "2025-06-01T10:03:00Z", records[2][0])
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{AssetID: "inv-1"}))
	assert.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}))
}

func TestReplayStepsThroughHistory(t *testing.T) {
	a, out := newTestApp(t)

	err := a.Replay(context.Background(), ReplayOptions{
		AssetID: "inv-1",
		From:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		To:      time.Date(2025, 6, 1, 10, 3, 0, 0, time.UTC),
		Step:    time.Minute,
		Workers: 2,
	})
	require.NoError(t, err)

	var result ReplayResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, ReplayResult{Processed: 4, Failed: 0, Findings: 1}, result)
}

func TestReplayRejectsEmptyRange(t *testing.T) {
	a, _ := newTestApp(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	assert.Error(t, a.Replay(context.Background(), ReplayOptions{From: at, To: at, Step: time.Minute}))
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a, _ := newTestApp(t)
	assert.ErrorContains(t, a.SimulateAlert(context.Background(), "inv-1"), "disabled")
}

func TestAlignForward(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, base, alignForward(base, 15*time.Minute))
	assert.Equal(t, base.Add(15*time.Minute), alignForward(base.Add(time.Minute), 15*time.Minute))
}

func TestDownsampleObservationsKeepsEnds(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := make([]domain.Observation, 10)
	for i := range rows {
		rows[i] = domain.Observation{Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}

	got := downsampleObservations(rows, 4)
	require.Len(t, got, 4)
	assert.Equal(t, rows[0].Timestamp, got[0].Timestamp)
	assert.Equal(t, rows[9].Timestamp, got[3].Timestamp)
	assert.Len(t, downsampleObservations(rows, 0), 10)
	assert.Equal(t, rows[9:], downsampleObservations(rows, 1))
}
