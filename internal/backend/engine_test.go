package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooda-engine/internal/config"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/orient"
	"ooda-engine/internal/storage"
)

const testAssets = `assets:
  - id: inv-1
    capacity_kw: 100
    components:
      - oem: Acme
        model: X1
        serial: SN123
        type: inverter
  - id: inv-2
    capacity_kw: 50
    components:
      - oem: Acme
        model: X1
        serial: SN456
        type: inverter
`

const testCatalog = `parts:
  - sku: A
    oem: Acme
    model: X1
    type: inverter
    price: 100
    lead_time_days: 2
  - sku: B
    oem: Acme
    model: X1
    type: inverter
    price: 80
    lead_time_days: 10
  - sku: FUSE-10
    type: fuse
    price: 1.25
    lead_time_days: 1
    compatible_assets: [inverter]
`

const testTaxonomy = `categories:
  Thermal: [Overheat]
rules:
  - name: overheat
    signal: temperature
    direction: high
    category: Thermal
    subcategory: Overheat
    component_type: inverter
`

const testObservations = `timestamp,temperature
2025-06-01T10:00:00Z,45
2025-06-01T10:01:00Z,46
2025-06-01T10:02:00Z,94
2025-06-01T10:03:00Z,47
`

var windowStart = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	in := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(in, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write(inputs.AssetsFile, testAssets)
	write(inputs.CatalogFile, testCatalog)
	write(inputs.TaxonomyFile, testTaxonomy)
	write(filepath.Join(inputs.ObservationsDir, "inv-1.csv"), testObservations)
	write(filepath.Join(inputs.ObservationsDir, "inv-2.csv"), testObservations)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := Options{
		Risk:           orient.RiskOptions{CapacityFactor: 0.2, TariffUSDPerKWh: 0.12, Spread: 0.15},
		Horizons:       []int{24, 72},
		CrewsAvailable: 1,
		HoursPerDay:    8,
		TaskHours:      4,
		WindowDays:     1,
	}
	e := NewEngine(config.BackendFile, store, inputs.NewFileSource(in, zerolog.Nop()), opts, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestDetectThresholds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Detect(ctx, DetectRequest{AssetID: "inv-1", WindowMinutes: 15, SeverityThreshold: 0.95})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.InDelta(t, 0.8655, res.PeakSeverity, 1e-3)

	res, err = e.Detect(ctx, DetectRequest{AssetID: "inv-1", WindowMinutes: 15, SeverityThreshold: 0.7})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "inv-1-20250601T100300Z", f.ID)
	assert.Equal(t, 94.0, f.Snapshot["temperature"])

	// Re-running the same window overwrites the finding.
	_, err = e.Detect(ctx, DetectRequest{AssetID: "inv-1", WindowMinutes: 15, SeverityThreshold: 0.7})
	require.NoError(t, err)
	findings, err := e.Findings(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestDetectValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Detect(ctx, DetectRequest{AssetID: "inv-1", WindowMinutes: 0, SeverityThreshold: 0.5})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = e.Detect(ctx, DetectRequest{AssetID: "ghost", WindowMinutes: 15, SeverityThreshold: 0.5})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDiagnoseWithoutFindings(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Diagnose(context.Background(), DiagnoseRequest{AssetID: "inv-1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func diagnosed(t *testing.T, e *Engine, assetID string) domain.DiagnosticRecord {
	t.Helper()
	ctx := context.Background()
	_, err := e.Detect(ctx, DetectRequest{AssetID: assetID, WindowMinutes: 15, SeverityThreshold: 0.7})
	require.NoError(t, err)
	record, err := e.Diagnose(ctx, DiagnoseRequest{AssetID: assetID})
	require.NoError(t, err)
	return record
}

func TestPipelineEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	record := diagnosed(t, e, "inv-1")
	primary, ok := record.Primary()
	require.True(t, ok)
	assert.Equal(t, "SN123", primary.ComponentRef)
	assert.Equal(t, "Thermal", primary.Category)
	assert.Equal(t, "Overheat", primary.Subcategory)
	assert.Equal(t, 1, record.NewFindings)
	assert.Equal(t, domain.TrendStable, record.Trend)

	again, err := e.Diagnose(ctx, DiagnoseRequest{AssetID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, again.NewFindings)
	require.NotNil(t, again.PriorScore)

	report, err := e.CalculateRisk(ctx, RiskRequest{AssetID: "inv-1"})
	require.NoError(t, err)
	require.Len(t, report.Estimates, 2)
	day, three := report.Estimates[0], report.Estimates[1]
	assert.Equal(t, 24, day.HorizonHours)
	assert.True(t, three.TotalUSD.Equal(day.TotalUSD.Mul(decimal.NewFromInt(3))))
	assert.True(t, day.CILowUSD.LessThanOrEqual(day.USDPerDay))
	assert.True(t, day.CIHighUSD.GreaterThanOrEqual(day.USDPerDay))

	schedule, err := e.Schedule(ctx, ScheduleRequest{AssetID: "inv-1", Start: windowStart})
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleScheduled, schedule.Status)
	assert.Equal(t, 1, schedule.Crew)
	assert.Equal(t, windowStart, schedule.Start)
	assert.Equal(t, ScheduleID("inv-1", "SN123", windowStart), schedule.ID)

	rescheduled, err := e.Schedule(ctx, ScheduleRequest{AssetID: "inv-1", Start: windowStart})
	require.NoError(t, err)
	assert.Equal(t, schedule.ID, rescheduled.ID)
	assert.Equal(t, schedule.Start, rescheduled.Start, "rescheduling must not count its own booking")

	bom, err := e.BuildBOM(ctx, BOMRequest{ScheduleID: schedule.ID, UseRiskReport: true})
	require.NoError(t, err)
	assert.Equal(t, schedule.ID, bom.ID)
	require.NotEmpty(t, bom.Items)

	order, err := e.CreateOrder(ctx, OrderRequest{BOMID: bom.ID, AssetID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, bom.ID, order.BOMID)
	assert.Equal(t, domain.OrderSubmitted, order.Status)

	retry, err := e.CreateOrder(ctx, OrderRequest{BOMID: bom.ID, AssetID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, order.ID, retry.ID)
}

func TestBuildBOMRankingFollowsEAR(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	diagnosed(t, e, "inv-1")
	schedule, err := e.Schedule(ctx, ScheduleRequest{AssetID: "inv-1", Start: windowStart})
	require.NoError(t, err)

	recommended := func(ear int64) string {
		rate := decimal.NewFromInt(ear)
		bom, err := e.BuildBOM(ctx, BOMRequest{ScheduleID: schedule.ID, EARUSDPerDay: &rate})
		require.NoError(t, err)
		for _, item := range bom.Items {
			if item.Type == "inverter" && item.Recommended {
				return item.SKU
			}
		}
		return ""
	}
	assert.Equal(t, "A", recommended(5))
	assert.Equal(t, "B", recommended(1))

	bom, err := e.BuildBOM(ctx, BOMRequest{ScheduleID: schedule.ID})
	require.NoError(t, err)
	require.Len(t, bom.Items, 3)
	for _, item := range bom.Items {
		assert.False(t, item.Recommended)
	}
}

func TestScheduleCapacityExhausted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	diagnosed(t, e, "inv-1")
	diagnosed(t, e, "inv-2")

	_, err := e.Schedule(ctx, ScheduleRequest{AssetID: "inv-1", Start: windowStart, HoursPerDay: 4})
	require.NoError(t, err)

	s, err := e.Schedule(ctx, ScheduleRequest{AssetID: "inv-2", Start: windowStart, HoursPerDay: 4})
	assert.True(t, errors.Is(err, domain.ErrUnscheduled))
	assert.Equal(t, domain.ScheduleUnscheduled, s.Status)

	ids, err := e.Store().List(ctx, storage.StageSchedule)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestPlanAllocatesEveryDiagnosedAsset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	diagnosed(t, e, "inv-1")
	diagnosed(t, e, "inv-2")

	plan, err := e.Plan(ctx, PlanRequest{Start: windowStart})
	require.NoError(t, err)
	require.Len(t, plan, 2)
	for _, s := range plan {
		assert.Equal(t, domain.ScheduleScheduled, s.Status)
		assert.Equal(t, 1, s.Crew)
	}
	assert.True(t, plan[0].End.Equal(plan[1].Start) || plan[1].End.Equal(plan[0].Start))

	replanned, err := e.Plan(ctx, PlanRequest{Start: windowStart})
	require.NoError(t, err)
	assert.Len(t, replanned, 2)
	for _, s := range replanned {
		assert.Equal(t, domain.ScheduleScheduled, s.Status)
	}
}

func TestCreateOrderRejectsMismatchedSerial(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	bom := domain.BOM{
		ID:      "bom-1",
		AssetID: "inv-1",
		Items: []domain.BOMItem{
			{SKU: "A", OEM: "Acme", Model: "X1", Serial: "SN999", Qty: 1},
			{SKU: "FUSE-10", Qty: 2},
		},
	}
	require.NoError(t, e.Store().Put(ctx, storage.StageBOMs, bom.ID, bom))

	_, err := e.CreateOrder(ctx, OrderRequest{BOMID: "bom-1", AssetID: "inv-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCompatibilityMismatch))

	var mismatch *domain.MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Len(t, mismatch.Items, 1)
	assert.Equal(t, "A", mismatch.Items[0].SKU)

	ids, err := e.Store().List(ctx, storage.StageOrders)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = e.CreateOrder(ctx, OrderRequest{BOMID: "missing", AssetID: "inv-1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTrackUpserts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Track(ctx, TrackRequest{Email: "not-an-email", JobID: "job-1"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	first, err := e.Track(ctx, TrackRequest{Email: "Ops@Example.com", JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", first.Email)

	_, err = e.Track(ctx, TrackRequest{Email: "ops@example.com", JobID: "job-1"})
	require.NoError(t, err)

	var subs []domain.TrackingSubscription
	require.NoError(t, e.Store().Get(ctx, storage.StageTracking, storage.SubscribersID, &subs))
	assert.Len(t, subs, 1)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{Kind: "cloud"}}
	_, err := New(context.Background(), cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewEnhancedUsesSQLite(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{
		Kind:       config.BackendEnhanced,
		SQLitePath: filepath.Join(t.TempDir(), "nested", "ooda.db"),
	}}
	e, err := New(context.Background(), cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, config.BackendEnhanced, e.Kind())
	engine, ok := e.(*Engine)
	require.True(t, ok)
	assert.True(t, engine.opts.Risk.ConfidenceSpread)
	assert.Nil(t, e.Locker())
}
