package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ooda-engine/internal/backend"
)

// ReplayResult counts the detection passes of a replay.
type ReplayResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Findings  int `json:"findings"`
}

// Replay reruns detection over historical observations, moving the window
// end from From to To in Step increments. Findings are stored as in a live
// cycle, so replaying the same range twice is idempotent.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	step := opts.Step
	if step <= 0 {
		step = a.Config.Scheduler.Interval
	}
	if step <= 0 {
		return errors.New("replay step must be positive")
	}

	start := alignForward(opts.From.UTC(), step)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("replay range is empty, check --from/--to")
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	return a.withEngine(ctx, func(e backend.Handle) error {
		assetIDs := []string{opts.AssetID}
		if opts.AssetID == "" {
			assets, err := e.Source().Assets(ctx)
			if err != nil {
				return err
			}
			assetIDs = assetIDs[:0]
			for _, asset := range assets {
				assetIDs = append(assetIDs, asset.ID)
			}
		}

		var processed, failed, findings atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)

		for until := start; !until.After(end); until = until.Add(step) {
			until := until
			for _, assetID := range assetIDs {
				assetID := assetID
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					cutoff := until
					res, err := e.Detect(gctx, backend.DetectRequest{
						AssetID:           assetID,
						WindowMinutes:     a.Config.Detector.WindowMinutes,
						SeverityThreshold: a.Config.Detector.SeverityThreshold,
						Until:             &cutoff,
					})
					if err != nil {
						failed.Add(1)
						a.Logger.Error().Err(err).Str("asset_id", assetID).Time("until", cutoff).Msg("replay step failed")
						return nil
					}
					processed.Add(1)
					findings.Add(int64(len(res.Findings)))
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		result := ReplayResult{
			Processed: int(processed.Load()),
			Failed:    int(failed.Load()),
			Findings:  int(findings.Load()),
		}
		a.Logger.Info().Int("processed", result.Processed).Int("failed", result.Failed).
			Int("findings", result.Findings).Msg("replay complete")
		if err := a.writeJSON(result); err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d replay steps failed, check the logs", result.Failed)
		}
		return nil
	})
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
