package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ooda-engine/internal/act"
	"ooda-engine/internal/decide"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/observe"
	"ooda-engine/internal/orient"
	"ooda-engine/internal/storage"
)

// scheduleNamespace seeds deterministic schedule ids.
var scheduleNamespace = uuid.MustParse("b3a4f0d2-6c1e-4e8a-a9f7-2d5c7e10b4a6")

// ScheduleID derives the schedule id from the work item and window start.
func ScheduleID(assetID, componentRef string, windowStart time.Time) string {
	key := assetID + "|" + componentRef + "|" + windowStart.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(scheduleNamespace, []byte(key)).String()
}

// Engine implements Backend over an artifact store and an input source.
type Engine struct {
	kind     string
	store    storage.ArtifactStore
	locker   storage.AdvisoryLocker
	source   inputs.Source
	opts     Options
	detector *observe.Detector
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time

	// trackMu serialises the read-modify-write of the subscriber list.
	trackMu sync.Mutex
}

// NewEngine wires the pipeline around a store and a source.
func NewEngine(kind string, store storage.ArtifactStore, source inputs.Source, opts Options, logger zerolog.Logger) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		kind:     kind,
		store:    store,
		source:   source,
		opts:     opts,
		detector: observe.New(opts.Detector, logger),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "engine").Str("backend", kind).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if locker, ok := store.(storage.AdvisoryLocker); ok {
		e.locker = locker
	}
	return e
}

// Kind returns the backend kind the engine was built for.
func (e *Engine) Kind() string { return e.kind }

// Store exposes the artifact store for read-only commands.
func (e *Engine) Store() storage.ArtifactStore { return e.store }

// Source exposes the input source.
func (e *Engine) Source() inputs.Source { return e.source }

// Locker returns the advisory locker when the store supports one.
func (e *Engine) Locker() storage.AdvisoryLocker { return e.locker }

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) check(req any) error {
	if err := e.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// Detect scores the asset's latest window and persists any finding.
func (e *Engine) Detect(ctx context.Context, req DetectRequest) (observe.Result, error) {
	if err := e.check(req); err != nil {
		return observe.Result{}, err
	}
	asset, err := e.source.Asset(ctx, req.AssetID)
	if err != nil {
		return observe.Result{}, err
	}

	observations, err := e.source.Observations(ctx, req.AssetID)
	if err != nil {
		return observe.Result{}, fmt.Errorf("load observations: %w", err)
	}
	forecast, err := e.source.Forecast(ctx, req.AssetID)
	if err != nil {
		e.logger.Warn().Err(err).Str("asset_id", req.AssetID).Msg("forecast unavailable, scoring physical signals only")
		forecast = nil
	}

	result, err := e.detector.Detect(observe.Request{
		AssetID:           req.AssetID,
		WindowMinutes:     req.WindowMinutes,
		SeverityThreshold: req.SeverityThreshold,
		CapacityKW:        asset.CapacityKW,
		Since:             req.Since,
		Until:             req.Until,
	}, observations, forecast)
	if err != nil {
		return observe.Result{}, err
	}

	for _, f := range result.Findings {
		if err := e.store.Put(ctx, storage.FindingsOf(req.AssetID), f.ID, f); err != nil {
			return observe.Result{}, fmt.Errorf("persist finding %s: %w", f.ID, err)
		}
	}
	return result, nil
}

// Diagnose classifies the asset's findings and persists the record.
func (e *Engine) Diagnose(ctx context.Context, req DiagnoseRequest) (domain.DiagnosticRecord, error) {
	if err := e.check(req); err != nil {
		return domain.DiagnosticRecord{}, err
	}
	asset, err := e.source.Asset(ctx, req.AssetID)
	if err != nil {
		return domain.DiagnosticRecord{}, err
	}

	findings, err := e.Findings(ctx, req.AssetID)
	if err != nil {
		return domain.DiagnosticRecord{}, err
	}

	var prior *domain.DiagnosticRecord
	var previous domain.DiagnosticRecord
	switch err := e.store.Get(ctx, storage.StageDiagnostics, req.AssetID, &previous); {
	case err == nil:
		prior = &previous
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.DiagnosticRecord{}, fmt.Errorf("load prior diagnosis: %w", err)
	}

	taxonomy, err := e.source.Taxonomy(ctx)
	if err != nil {
		return domain.DiagnosticRecord{}, fmt.Errorf("load taxonomy: %w", err)
	}

	asOf := e.now()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}
	record, err := orient.NewDiagnostician(e.opts.Diagnosis, taxonomy, e.logger).Diagnose(asset, findings, prior, asOf)
	if err != nil {
		return domain.DiagnosticRecord{}, err
	}
	if err := e.store.Put(ctx, storage.StageDiagnostics, asset.ID, record); err != nil {
		return domain.DiagnosticRecord{}, fmt.Errorf("persist diagnosis: %w", err)
	}
	return record, nil
}

// Findings loads every persisted finding of an asset.
func (e *Engine) Findings(ctx context.Context, assetID string) ([]domain.Finding, error) {
	stage := storage.FindingsOf(assetID)
	ids, err := e.store.List(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	findings := make([]domain.Finding, 0, len(ids))
	for _, id := range ids {
		var f domain.Finding
		if err := e.store.Get(ctx, stage, id, &f); err != nil {
			return nil, fmt.Errorf("load finding %s: %w", id, err)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// CalculateRisk derives Energy-at-Risk from the latest diagnosis.
func (e *Engine) CalculateRisk(ctx context.Context, req RiskRequest) (domain.RiskReport, error) {
	if err := e.check(req); err != nil {
		return domain.RiskReport{}, err
	}
	asset, err := e.source.Asset(ctx, req.AssetID)
	if err != nil {
		return domain.RiskReport{}, err
	}
	var record domain.DiagnosticRecord
	if err := e.store.Get(ctx, storage.StageDiagnostics, asset.ID, &record); err != nil {
		return domain.RiskReport{}, err
	}

	horizons := req.Horizons
	if len(horizons) == 0 {
		horizons = e.opts.Horizons
	}
	estimates, err := orient.EstimateRisk(asset, record, horizons, e.opts.Risk)
	if err != nil {
		return domain.RiskReport{}, err
	}

	report := orient.NewRiskReport(asset.ID, estimates, e.now())
	if err := e.store.Put(ctx, storage.StageRisk, asset.ID, report); err != nil {
		return domain.RiskReport{}, fmt.Errorf("persist risk: %w", err)
	}
	return report, nil
}

func (e *Engine) capacity(start, end time.Time, crews int, hoursPerDay float64) decide.Capacity {
	if start.IsZero() {
		start = e.now().Truncate(24 * time.Hour)
	}
	if end.IsZero() {
		end = start.Add(time.Duration(e.opts.WindowDays) * 24 * time.Hour)
	}
	if crews == 0 {
		crews = e.opts.CrewsAvailable
	}
	if hoursPerDay == 0 {
		hoursPerDay = e.opts.HoursPerDay
	}
	return decide.Capacity{
		Window:      domain.Window{Start: start.UTC(), End: end.UTC()},
		Crews:       crews,
		HoursPerDay: hoursPerDay,
	}
}

// booked loads persisted schedules, leaving out the ids being re-planned.
func (e *Engine) booked(ctx context.Context, exclude map[string]struct{}) ([]domain.Schedule, error) {
	ids, err := e.store.List(ctx, storage.StageSchedule)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]domain.Schedule, 0, len(ids))
	for _, id := range ids {
		if _, skip := exclude[id]; skip {
			continue
		}
		var s domain.Schedule
		if err := e.store.Get(ctx, storage.StageSchedule, id, &s); err != nil {
			return nil, fmt.Errorf("load schedule %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) workItem(asset domain.Asset, record domain.DiagnosticRecord, componentRef string) (decide.WorkItem, error) {
	if componentRef == "" {
		if primary, ok := record.Primary(); ok {
			componentRef = primary.ComponentRef
		} else {
			componentRef = asset.ComponentRef(0)
		}
	}
	if _, ok := asset.FindComponent(componentRef); !ok {
		return decide.WorkItem{}, domain.NotFound("component", componentRef)
	}
	return decide.WorkItem{
		AssetID:      asset.ID,
		ComponentRef: componentRef,
		RiskScore:    record.CompositeScore,
		FirstSeen:    record.EarliestFindingAt,
		Hours:        e.opts.TaskHours,
	}, nil
}

func (e *Engine) toSchedule(a decide.Assignment, window domain.Window, at time.Time) domain.Schedule {
	return domain.Schedule{
		ID:           ScheduleID(a.Item.AssetID, a.Item.ComponentRef, window.Start),
		AssetID:      a.Item.AssetID,
		ComponentRef: a.Item.ComponentRef,
		Window:       window,
		Crew:         a.Crew,
		Start:        a.Start,
		End:          a.End,
		Hours:        a.Item.Hours,
		RiskScore:    a.Item.RiskScore,
		Status:       domain.ScheduleScheduled,
		CreatedAt:    at,
	}
}

func (e *Engine) unscheduled(u decide.Unplaced, window domain.Window, at time.Time) domain.Schedule {
	return domain.Schedule{
		ID:           ScheduleID(u.Item.AssetID, u.Item.ComponentRef, window.Start),
		AssetID:      u.Item.AssetID,
		ComponentRef: u.Item.ComponentRef,
		Window:       window,
		Hours:        u.Item.Hours,
		RiskScore:    u.Item.RiskScore,
		Status:       domain.ScheduleUnscheduled,
		Notes:        u.Reason,
		CreatedAt:    at,
	}
}

// Schedule places the asset's repair in the earliest free crew slot.
// A repair that does not fit is returned with status unscheduled together
// with ErrUnscheduled and is not persisted.
func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (domain.Schedule, error) {
	if err := e.check(req); err != nil {
		return domain.Schedule{}, err
	}
	asset, err := e.source.Asset(ctx, req.AssetID)
	if err != nil {
		return domain.Schedule{}, err
	}
	var record domain.DiagnosticRecord
	if err := e.store.Get(ctx, storage.StageDiagnostics, asset.ID, &record); err != nil {
		return domain.Schedule{}, err
	}

	item, err := e.workItem(asset, record, req.ComponentRef)
	if err != nil {
		return domain.Schedule{}, err
	}
	capacity := e.capacity(req.Start, req.End, req.CrewsAvailable, req.HoursPerDay)
	id := ScheduleID(item.AssetID, item.ComponentRef, capacity.Window.Start)

	booked, err := e.booked(ctx, map[string]struct{}{id: {}})
	if err != nil {
		return domain.Schedule{}, err
	}
	plan, err := decide.Allocate([]decide.WorkItem{item}, capacity, booked)
	if err != nil {
		return domain.Schedule{}, err
	}

	now := e.now()
	if len(plan.Assigned) == 0 {
		s := e.unscheduled(plan.Unscheduled[0], capacity.Window, now)
		e.logger.Warn().Str("asset_id", asset.ID).Str("reason", s.Notes).Msg("repair not scheduled")
		return s, fmt.Errorf("%s/%s: %s: %w", asset.ID, item.ComponentRef, s.Notes, domain.ErrUnscheduled)
	}

	s := e.toSchedule(plan.Assigned[0], capacity.Window, now)
	if err := e.store.Put(ctx, storage.StageSchedule, s.ID, s); err != nil {
		return domain.Schedule{}, fmt.Errorf("persist schedule: %w", err)
	}
	e.logger.Info().Str("asset_id", asset.ID).Str("schedule_id", s.ID).Int("crew", s.Crew).
		Time("start", s.Start).Msg("repair scheduled")
	return s, nil
}

// Plan allocates every diagnosed asset in one greedy pass. Unscheduled items
// are included in the result but not persisted.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) ([]domain.Schedule, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	assetIDs, err := e.store.List(ctx, storage.StageDiagnostics)
	if err != nil {
		return nil, fmt.Errorf("list diagnoses: %w", err)
	}

	capacity := e.capacity(req.Start, req.End, req.CrewsAvailable, req.HoursPerDay)
	items := make([]decide.WorkItem, 0, len(assetIDs))
	planned := make(map[string]struct{}, len(assetIDs))
	for _, id := range assetIDs {
		asset, err := e.source.Asset(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("asset_id", id).Msg("diagnosed asset no longer configured")
			continue
		}
		var record domain.DiagnosticRecord
		if err := e.store.Get(ctx, storage.StageDiagnostics, id, &record); err != nil {
			return nil, err
		}
		item, err := e.workItem(asset, record, "")
		if err != nil {
			e.logger.Warn().Err(err).Str("asset_id", id).Msg("cannot resolve repair component")
			continue
		}
		items = append(items, item)
		planned[ScheduleID(item.AssetID, item.ComponentRef, capacity.Window.Start)] = struct{}{}
	}

	booked, err := e.booked(ctx, planned)
	if err != nil {
		return nil, err
	}
	plan, err := decide.Allocate(items, capacity, booked)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]domain.Schedule, 0, len(items))
	for _, a := range plan.Assigned {
		s := e.toSchedule(a, capacity.Window, now)
		if err := e.store.Put(ctx, storage.StageSchedule, s.ID, s); err != nil {
			return nil, fmt.Errorf("persist schedule: %w", err)
		}
		out = append(out, s)
	}
	for _, u := range plan.Unscheduled {
		out = append(out, e.unscheduled(u, capacity.Window, now))
	}
	e.logger.Info().Int("scheduled", len(plan.Assigned)).Int("unscheduled", len(plan.Unscheduled)).Msg("plan complete")
	return out, nil
}

// BuildBOM selects parts for a persisted schedule and stores the BOM under
// the schedule id.
func (e *Engine) BuildBOM(ctx context.Context, req BOMRequest) (domain.BOM, error) {
	if err := e.check(req); err != nil {
		return domain.BOM{}, err
	}
	var schedule domain.Schedule
	if err := e.store.Get(ctx, storage.StageSchedule, req.ScheduleID, &schedule); err != nil {
		return domain.BOM{}, err
	}
	asset, err := e.source.Asset(ctx, schedule.AssetID)
	if err != nil {
		return domain.BOM{}, err
	}
	catalog, err := e.source.Catalog(ctx)
	if err != nil {
		return domain.BOM{}, fmt.Errorf("load catalog: %w", err)
	}

	ear := req.EARUSDPerDay
	if ear == nil && req.UseRiskReport {
		rate, err := e.earFromRisk(ctx, asset.ID)
		if err != nil {
			return domain.BOM{}, err
		}
		ear = &rate
	}
	variants := e.opts.VariantsPerType
	if req.VariantsPerType != nil {
		variants = *req.VariantsPerType
	}

	bom, ambiguous, err := decide.BuildBOM(decide.BOMRequest{
		Schedule:        schedule,
		Asset:           asset,
		EARUSDPerDay:    ear,
		VariantsPerType: variants,
	}, catalog, e.opts.Loss, e.now())
	if err != nil {
		return domain.BOM{}, err
	}
	for _, note := range ambiguous {
		e.logger.Warn().Str("bom_id", bom.ID).Err(domain.ErrSelectionAmbiguous).Msg(note)
	}

	if err := e.store.Put(ctx, storage.StageBOMs, bom.ID, bom); err != nil {
		return domain.BOM{}, fmt.Errorf("persist bom: %w", err)
	}
	return bom, nil
}

func (e *Engine) earFromRisk(ctx context.Context, assetID string) (decimal.Decimal, error) {
	var report domain.RiskReport
	if err := e.store.Get(ctx, storage.StageRisk, assetID, &report); err != nil {
		return decimal.Zero, err
	}
	if len(report.Estimates) == 0 {
		return decimal.Zero, fmt.Errorf("risk report for %s has no estimates: %w", assetID, domain.ErrNotFound)
	}
	return report.Estimates[0].USDPerDay, nil
}

// CreateOrder validates every BOM line against the asset. Nothing is
// persisted unless all lines resolve.
func (e *Engine) CreateOrder(ctx context.Context, req OrderRequest) (domain.Order, error) {
	if err := e.check(req); err != nil {
		return domain.Order{}, err
	}
	var bom domain.BOM
	if err := e.store.Get(ctx, storage.StageBOMs, req.BOMID, &bom); err != nil {
		return domain.Order{}, err
	}
	asset, err := e.source.Asset(ctx, req.AssetID)
	if err != nil {
		return domain.Order{}, err
	}

	order, err := act.CreateOrder(bom, asset, e.now())
	if err != nil {
		e.logger.Warn().Err(err).Str("bom_id", bom.ID).Msg("order rejected")
		return domain.Order{}, err
	}
	resubmitted, err := storage.Exists(ctx, e.store, storage.StageOrders, order.ID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("check order: %w", err)
	}
	if resubmitted {
		e.logger.Info().Str("order_id", order.ID).Msg("replacing previously submitted order")
	}
	if err := e.store.Put(ctx, storage.StageOrders, order.ID, order); err != nil {
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}
	e.logger.Info().Str("order_id", order.ID).Str("bom_id", bom.ID).Int("items", order.Items).Msg("order submitted")
	return order, nil
}

// Track upserts a job-status subscription.
func (e *Engine) Track(ctx context.Context, req TrackRequest) (domain.TrackingSubscription, error) {
	if err := e.check(req); err != nil {
		return domain.TrackingSubscription{}, err
	}

	e.trackMu.Lock()
	defer e.trackMu.Unlock()

	var existing []domain.TrackingSubscription
	if err := e.store.Get(ctx, storage.StageTracking, storage.SubscribersID, &existing); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.TrackingSubscription{}, fmt.Errorf("load subscribers: %w", err)
	}

	all, sub, err := act.Subscribe(existing, req.Email, req.JobID, e.now())
	if err != nil {
		return domain.TrackingSubscription{}, err
	}
	if err := e.store.Put(ctx, storage.StageTracking, storage.SubscribersID, all); err != nil {
		return domain.TrackingSubscription{}, fmt.Errorf("persist subscribers: %w", err)
	}
	return sub, nil
}

var _ Handle = (*Engine)(nil)
