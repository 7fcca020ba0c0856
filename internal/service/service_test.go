package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooda-engine/internal/alerting"
	"ooda-engine/internal/backend"
	"ooda-engine/internal/config"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/observe"
	"ooda-engine/internal/orient"
	"ooda-engine/internal/scheduler"
)

type fakeSource struct {
	assets []domain.Asset
}

func (f fakeSource) Assets(context.Context) ([]domain.Asset, error) { return f.assets, nil }
func (f fakeSource) Asset(_ context.Context, id string) (domain.Asset, error) {
	for _, a := range f.assets {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Asset{}, domain.NotFound("asset", id)
}
func (fakeSource) Observations(context.Context, string) ([]domain.Observation, error) {
	return nil, nil
}
func (fakeSource) Forecast(context.Context, string) ([]domain.ForecastPoint, error) { return nil, nil }
func (fakeSource) Catalog(context.Context) ([]domain.CatalogPart, error)            { return nil, nil }
func (fakeSource) Taxonomy(context.Context) (orient.Taxonomy, error)                { return orient.Taxonomy{}, nil }

// fakeBackend reports one finding for "hot" assets and fails for "broken".
type fakeBackend struct {
	backend.Backend
	composite float64
	newCount  int
}

func (f *fakeBackend) Detect(_ context.Context, req backend.DetectRequest) (observe.Result, error) {
	switch req.AssetID {
	case "broken":
		return observe.Result{}, errors.New("telemetry unreadable")
	case "hot":
		return observe.Result{Findings: []domain.Finding{{ID: "hot-1", AssetID: "hot", Severity: 0.9}}}, nil
	default:
		return observe.Result{}, nil
	}
}

func (f *fakeBackend) Diagnose(_ context.Context, req backend.DiagnoseRequest) (domain.DiagnosticRecord, error) {
	return domain.DiagnosticRecord{
		AssetID:        req.AssetID,
		CompositeScore: f.composite,
		Trend:          domain.TrendDegrading,
		FindingIDs:     []string{"hot-1"},
		NewFindings:    f.newCount,
		Entries:        []domain.DiagnosticEntry{{ComponentRef: "SN1", Category: "Thermal", Subcategory: "Overheat", Severity: 0.9}},
	}, nil
}

func (f *fakeBackend) CalculateRisk(_ context.Context, req backend.RiskRequest) (domain.RiskReport, error) {
	return domain.RiskReport{AssetID: req.AssetID, Estimates: []domain.RiskEstimate{{USDPerDay: decimal.RequireFromString("12.50")}}}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type fakeLocker struct{ acquired bool }

func (f fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Detector:  config.DetectorConfig{WindowMinutes: 15, SeverityThreshold: 0.7},
		Risk:      config.RiskConfig{Horizons: []int{24}},
		Scheduler: config.SchedulerConfig{Concurrency: 2, AdvisoryLockKey: 42},
		Alerting:  config.AlertingConfig{Enabled: true, MinComposite: 0.6, Channels: []string{"telegram"}},
	}
}

func testSource() fakeSource {
	return fakeSource{assets: []domain.Asset{{ID: "quiet"}, {ID: "hot"}, {ID: "broken"}}}
}

func TestProcessBucketAlertsOnFreshEvidence(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, &fakeBackend{composite: 0.8, newCount: 1}, testSource(), nil, notifier, zerolog.Nop())

	bucket := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	cycle, err := svc.ProcessBucket(context.Background(), bucket)
	require.NoError(t, err)
	require.Len(t, cycle.Outcomes, 3)

	byID := map[string]Outcome{}
	for _, o := range cycle.Outcomes {
		byID[o.AssetID] = o
	}
	assert.Equal(t, "broken", cycle.Outcomes[0].AssetID)
	assert.NotEmpty(t, byID["broken"].Error)
	assert.Equal(t, 0, byID["quiet"].Findings)
	assert.True(t, byID["hot"].Alerted)

	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	assert.Equal(t, "hot", note.AssetID)
	assert.Equal(t, "SN1", note.ComponentRef)
	assert.Equal(t, "12.5", note.USDPerDay.String())
	assert.Equal(t, []string{"hot-1"}, note.FindingIDs)
}

func TestProcessBucketSuppressesRepeatAlerts(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, &fakeBackend{composite: 0.8, newCount: 0}, testSource(), nil, notifier, zerolog.Nop())

	_, err := svc.ProcessBucket(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, notifier.notes)
}

func TestProcessBucketBelowComposite(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, &fakeBackend{composite: 0.3, newCount: 1}, testSource(), nil, notifier, zerolog.Nop())

	_, err := svc.ProcessBucket(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, notifier.notes)
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, &fakeBackend{composite: 0.8, newCount: 1}, testSource(), fakeLocker{acquired: false}, notifier, zerolog.Nop())

	cycle, err := svc.ProcessBucket(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, cycle.Skipped)
	assert.Empty(t, cycle.Outcomes)
	assert.Empty(t, notifier.notes)
}

func TestProcessTickRunsCycleWithinInterval(t *testing.T) {
	notifier := &recordingNotifier{}
	sched := scheduler.New(scheduler.Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	svc := New(testConfig(), sched, &fakeBackend{composite: 0.8, newCount: 1}, testSource(), nil, notifier, zerolog.Nop())

	tick := scheduler.Tick{Bucket: time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC), Missed: 2}
	require.NoError(t, svc.processTick(context.Background(), tick))
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, tick.Bucket, notifier.notes[0].Bucket)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(testConfig(), nil, &fakeBackend{}, testSource(), nil, nil, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
