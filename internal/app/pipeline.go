package app

import (
	"context"
	"errors"

	"ooda-engine/internal/backend"
	"ooda-engine/internal/domain"
)

// withEngine opens the configured backend for the duration of fn.
func (a *App) withEngine(ctx context.Context, fn func(backend.Handle) error) error {
	engine, _, closeEngine, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()
	return fn(engine)
}

// Detect scores the latest window of an asset and prints the findings.
func (a *App) Detect(ctx context.Context, req backend.DetectRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		res, err := e.Detect(ctx, req)
		if err != nil {
			return err
		}
		if res.Insufficient {
			a.Logger.Info().Str("asset_id", req.AssetID).Err(domain.ErrInsufficientData).Msg("no signal had enough samples")
		}
		return a.writeJSON(res)
	})
}

// Diagnose prints the diagnostic record of an asset.
func (a *App) Diagnose(ctx context.Context, req backend.DiagnoseRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		record, err := e.Diagnose(ctx, req)
		if err != nil {
			return err
		}
		return a.writeJSON(record)
	})
}

// Risk prints the Energy-at-Risk report of an asset.
func (a *App) Risk(ctx context.Context, req backend.RiskRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		report, err := e.CalculateRisk(ctx, req)
		if err != nil {
			return err
		}
		return a.writeJSON(report)
	})
}

// Schedule prints the placed schedule. An unscheduled repair is printed too,
// then reported as an error.
func (a *App) Schedule(ctx context.Context, req backend.ScheduleRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		s, err := e.Schedule(ctx, req)
		if err != nil && !errors.Is(err, domain.ErrUnscheduled) {
			return err
		}
		if werr := a.writeJSON(s); werr != nil {
			return werr
		}
		return err
	})
}

// Plan prints the fleet-wide allocation.
func (a *App) Plan(ctx context.Context, req backend.PlanRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		schedules, err := e.Plan(ctx, req)
		if err != nil {
			return err
		}
		return a.writeJSON(schedules)
	})
}

// BOM prints the bill of materials for a schedule.
func (a *App) BOM(ctx context.Context, req backend.BOMRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		bom, err := e.BuildBOM(ctx, req)
		if err != nil {
			return err
		}
		return a.writeJSON(bom)
	})
}

// Order validates a BOM and prints the resulting order. Rejections print
// every mismatched item before returning the error.
func (a *App) Order(ctx context.Context, req backend.OrderRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		order, err := e.CreateOrder(ctx, req)
		var mismatch *domain.MismatchError
		if errors.As(err, &mismatch) {
			if werr := a.writeJSON(map[string]any{"bom_id": mismatch.BOMID, "asset_id": mismatch.AssetID, "mismatches": mismatch.Items}); werr != nil {
				return werr
			}
			return err
		}
		if err != nil {
			return err
		}
		return a.writeJSON(order)
	})
}

// Track registers a job-status subscription.
func (a *App) Track(ctx context.Context, req backend.TrackRequest) error {
	return a.withEngine(ctx, func(e backend.Handle) error {
		sub, err := e.Track(ctx, req)
		if err != nil {
			return err
		}
		return a.writeJSON(sub)
	})
}
