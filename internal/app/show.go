package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"ooda-engine/internal/backend"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/observe"
	"ooda-engine/internal/storage"
)

var showStages = map[string]storage.Stage{
	"findings":    storage.StageFindings,
	"diagnostics": storage.StageDiagnostics,
	"risk":        storage.StageRisk,
	"schedule":    storage.StageSchedule,
	"boms":        storage.StageBOMs,
	"orders":      storage.StageOrders,
	"tracking":    storage.StageTracking,
}

// Show lists artifacts of a stage, or prints one artifact when an id is given.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	stage, ok := showStages[strings.ToLower(opts.Stage)]
	if !ok {
		return fmt.Errorf("unknown stage %q", opts.Stage)
	}
	if stage == storage.StageFindings {
		if opts.AssetID == "" {
			return fmt.Errorf("--asset is required for findings")
		}
		stage = storage.FindingsOf(opts.AssetID)
	}

	return a.withEngine(ctx, func(e backend.Handle) error {
		store := e.Store()
		if stage == storage.StageTracking && opts.ID == "" {
			opts.ID = storage.SubscribersID
		}
		if opts.ID != "" {
			var raw json.RawMessage
			if err := store.Get(ctx, stage, opts.ID, &raw); err != nil {
				return err
			}
			return a.writeJSON(raw)
		}

		ids, err := store.List(ctx, stage)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(a.Out, "no artifacts found")
			return nil
		}

		rows := make([]summaryRow, 0, len(ids))
		for _, id := range ids {
			var s artifactSummary
			if err := store.Get(ctx, stage, id, &s); err != nil {
				a.Logger.Warn().Err(err).Str("id", id).Msg("skipping unreadable artifact")
				continue
			}
			if opts.AssetID != "" && s.AssetID != "" && s.AssetID != opts.AssetID {
				continue
			}
			rows = append(rows, summaryRow{id: id, s: s})
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].s.CreatedAt.After(rows[j].s.CreatedAt) })
		if opts.Limit > 0 && len(rows) > opts.Limit {
			rows = rows[:opts.Limit]
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tAsset\tCreated (UTC)\tDetail")
		for _, r := range rows {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
				r.id,
				r.s.AssetID,
				formatTime(r.s.CreatedAt),
				sanitizeInline(r.s.detail()),
			)
		}
		return writer.Flush()
	})
}

type summaryRow struct {
	id string
	s  artifactSummary
}

// artifactSummary decodes the fields shared by the artifact kinds.
type artifactSummary struct {
	AssetID        string               `json:"asset_id"`
	CreatedAt      time.Time            `json:"created_at"`
	Severity       *float64             `json:"severity"`
	Signals        []domain.SignalScore `json:"signals"`
	CompositeScore *float64             `json:"composite_score"`
	Trend          string               `json:"trend"`
	Status         string               `json:"status"`
	Crew           int                  `json:"crew"`
	Start          time.Time            `json:"start"`
	Items          any                  `json:"items"`
}

func (s artifactSummary) detail() string {
	var parts []string
	if s.Severity != nil {
		parts = append(parts, fmt.Sprintf("severity=%.3f", *s.Severity))
	}
	if len(s.Signals) > 0 {
		parts = append(parts, "signals="+observe.SignalNames(domain.Finding{Signals: s.Signals}))
	}
	if s.CompositeScore != nil {
		parts = append(parts, fmt.Sprintf("composite=%.3f trend=%s", *s.CompositeScore, s.Trend))
	}
	if s.Status != "" {
		parts = append(parts, "status="+s.Status)
	}
	if s.Crew > 0 {
		parts = append(parts, fmt.Sprintf("crew=%d start=%s", s.Crew, formatTime(s.Start)))
	}
	switch items := s.Items.(type) {
	case []any:
		parts = append(parts, fmt.Sprintf("items=%d", len(items)))
	case float64:
		parts = append(parts, fmt.Sprintf("items=%d", int(items)))
	}
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
