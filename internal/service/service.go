package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ooda-engine/internal/alerting"
	"ooda-engine/internal/backend"
	"ooda-engine/internal/config"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/scheduler"
	"ooda-engine/internal/storage"
)

// Outcome summarises one asset within a monitoring cycle.
type Outcome struct {
	AssetID   string   `json:"asset_id"`
	Findings  int      `json:"findings"`
	Composite *float64 `json:"composite_score,omitempty"`
	Trend     string   `json:"trend,omitempty"`
	Alerted   bool     `json:"alerted"`
	Error     string   `json:"error,omitempty"`
}

// Cycle is the result of one pass over the fleet.
type Cycle struct {
	Bucket   time.Time `json:"bucket"`
	Outcomes []Outcome `json:"outcomes"`
	Skipped  bool      `json:"skipped,omitempty"`
}

// Service runs detect, diagnose, risk and notify across every asset.
type Service struct {
	scheduler *scheduler.Scheduler
	backend   backend.Backend
	source    inputs.Source
	notifier  alerting.Notifier
	logger    zerolog.Logger

	windowMinutes int
	threshold     float64
	horizons      []int
	concurrency   int

	minComposite float64
	channels     []string
	alertsOn     bool
	locker       storage.AdvisoryLocker
	lockKey      int64
}

// New constructs the monitoring service. locker may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, b backend.Backend, source inputs.Source, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	concurrency := cfg.Scheduler.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		scheduler:     sched,
		backend:       b,
		source:        source,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		windowMinutes: cfg.Detector.WindowMinutes,
		threshold:     cfg.Detector.SeverityThreshold,
		horizons:      cfg.Risk.Horizons,
		concurrency:   concurrency,
		minComposite:  cfg.Alerting.MinComposite,
		channels:      cfg.Alerting.Channels,
		alertsOn:      cfg.Alerting.Enabled,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned monitoring loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.processTick)
}

// processTick bounds a cycle by the scheduler interval so an overrun never
// runs into the following bucket. Missed buckets are not replayed; the next
// detection window covers their observations.
func (s *Service) processTick(ctx context.Context, tick scheduler.Tick) error {
	if tick.Missed > 0 {
		s.logger.Warn().Int("missed", tick.Missed).Time("bucket", tick.Bucket).
			Msg("previous cycle overran, skipped buckets")
	}
	ctx, cancel := context.WithTimeout(ctx, s.scheduler.Interval())
	defer cancel()

	if _, err := s.ProcessBucket(ctx, tick.Bucket); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn().Time("bucket", tick.Bucket).Dur("interval", s.scheduler.Interval()).
			Msg("cycle cut short at the next bucket")
	}
	return nil
}

// ProcessBucket executes one cycle unless another replica holds the lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) (Cycle, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Cycle{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return Cycle{Bucket: bucket, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) (Cycle, error) {
	assets, err := s.source.Assets(ctx)
	if err != nil {
		return Cycle{}, fmt.Errorf("load assets: %w", err)
	}

	var mu sync.Mutex
	cycle := Cycle{Bucket: bucket, Outcomes: make([]Outcome, 0, len(assets))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			outcome := s.processAsset(gctx, bucket, asset.ID)
			mu.Lock()
			cycle.Outcomes = append(cycle.Outcomes, outcome)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return cycle, err
	}

	sort.Slice(cycle.Outcomes, func(i, j int) bool { return cycle.Outcomes[i].AssetID < cycle.Outcomes[j].AssetID })

	alerts, failed := 0, 0
	for _, o := range cycle.Outcomes {
		if o.Alerted {
			alerts++
		}
		if o.Error != "" {
			failed++
		}
	}
	s.logger.Info().Time("bucket", bucket).Int("assets", len(assets)).
		Int("alerts", alerts).Int("failed", failed).Msg("cycle complete")
	return cycle, nil
}

// processAsset never fails the cycle; errors are recorded on the outcome.
func (s *Service) processAsset(ctx context.Context, bucket time.Time, assetID string) Outcome {
	outcome := Outcome{AssetID: assetID}
	log := s.logger.With().Str("asset_id", assetID).Logger()

	detected, err := s.backend.Detect(ctx, backend.DetectRequest{
		AssetID:           assetID,
		WindowMinutes:     s.windowMinutes,
		SeverityThreshold: s.threshold,
	})
	if err != nil {
		log.Error().Err(err).Msg("detect failed")
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Findings = len(detected.Findings)
	if outcome.Findings == 0 {
		return outcome
	}

	record, err := s.backend.Diagnose(ctx, backend.DiagnoseRequest{AssetID: assetID})
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Err(err).Msg("findings are older than the diagnosis lookback")
		return outcome
	}
	if err != nil {
		log.Error().Err(err).Msg("diagnose failed")
		outcome.Error = err.Error()
		return outcome
	}
	composite := record.CompositeScore
	outcome.Composite = &composite
	outcome.Trend = record.Trend

	report, err := s.backend.CalculateRisk(ctx, backend.RiskRequest{AssetID: assetID, Horizons: s.horizons})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Msg("risk calculation failed")
		outcome.Error = err.Error()
		return outcome
	}

	if !s.shouldAlert(record) {
		return outcome
	}
	note := s.notification(bucket, record, report)
	if err := s.notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch alert")
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Alerted = true
	return outcome
}

// shouldAlert fires only for fresh evidence so a persisting fault does not
// repeat the same alert every cycle.
func (s *Service) shouldAlert(record domain.DiagnosticRecord) bool {
	if !s.alertsOn || s.notifier == nil {
		return false
	}
	return record.NewFindings > 0 && record.CompositeScore >= s.minComposite
}

// Alert dispatches the notification for a stored diagnosis, bypassing the
// new-findings and composite thresholds.
func (s *Service) Alert(ctx context.Context, bucket time.Time, record domain.DiagnosticRecord, report domain.RiskReport) error {
	if s.notifier == nil {
		return fmt.Errorf("no alert channel configured")
	}
	return s.notifier.Notify(ctx, s.notification(bucket, record, report))
}

func (s *Service) notification(bucket time.Time, record domain.DiagnosticRecord, report domain.RiskReport) alerting.Notification {
	note := alerting.Notification{
		Bucket:         bucket,
		AssetID:        record.AssetID,
		CompositeScore: record.CompositeScore,
		Threshold:      s.minComposite,
		Trend:          record.Trend,
		USDPerDay:      decimal.Zero,
		Channels:       s.channels,
	}
	if primary, ok := record.Primary(); ok {
		note.ComponentRef = primary.ComponentRef
		note.Category = primary.Category
		note.Subcategory = primary.Subcategory
		note.Severity = primary.Severity
	}
	if len(report.Estimates) > 0 {
		note.USDPerDay = report.Estimates[0].USDPerDay
	}
	if n := len(record.FindingIDs); n > 0 {
		start := n - record.NewFindings
		if start < 0 {
			start = 0
		}
		note.FindingIDs = record.FindingIDs[start:]
	}
	return note
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
