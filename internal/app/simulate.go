package app

import (
	"context"
	"errors"
	"time"

	"ooda-engine/internal/backend"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/storage"
)

// SimulateAlert sends the alert for an asset's stored diagnosis through the
// configured channels, ignoring the usual thresholds.
func (a *App) SimulateAlert(ctx context.Context, assetID string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	return a.withEngine(ctx, func(e backend.Handle) error {
		var record domain.DiagnosticRecord
		if err := e.Store().Get(ctx, storage.StageDiagnostics, assetID, &record); err != nil {
			return err
		}
		var report domain.RiskReport
		if err := e.Store().Get(ctx, storage.StageRisk, assetID, &report); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		svc := a.newServiceWith(e, nil, notifier)
		bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
		if err := svc.Alert(ctx, bucket, record, report); err != nil {
			return err
		}
		a.Logger.Info().Str("asset_id", assetID).Msg("simulated alert dispatched")
		return nil
	})
}
