package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ooda-engine/internal/backend"
	"ooda-engine/internal/domain"
	"ooda-engine/internal/storage"
)

// Export renders an asset's telemetry as CSV and/or PNG, or a BOM as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.AssetID == "" && opts.BOMID == "" {
		return errors.New("one of --asset or --bom must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	return a.withEngine(ctx, func(e backend.Handle) error {
		if opts.BOMID != "" {
			if opts.CSVPath == "" {
				return errors.New("bom export supports --csv only")
			}
			var bom domain.BOM
			if err := e.Store().Get(ctx, storage.StageBOMs, opts.BOMID, &bom); err != nil {
				return err
			}
			return writeBOMCSV(opts.CSVPath, bom)
		}
		return a.exportTelemetry(ctx, e, opts)
	})
}

func (a *App) exportTelemetry(ctx context.Context, e backend.Handle, opts ExportOptions) error {
	if _, err := e.Source().Asset(ctx, opts.AssetID); err != nil {
		return err
	}
	observations, err := e.Source().Observations(ctx, opts.AssetID)
	if err != nil {
		return err
	}

	filtered := make([]domain.Observation, 0, len(observations))
	for _, obs := range observations {
		if opts.From != nil && obs.Timestamp.Before(opts.From.UTC()) {
			continue
		}
		if opts.To != nil && !obs.Timestamp.Before(opts.To.UTC()) {
			continue
		}
		filtered = append(filtered, obs)
	}
	if len(filtered) == 0 {
		a.Logger.Info().Str("asset_id", opts.AssetID).Msg("no observations found for export window")
		return nil
	}

	findings, err := e.Findings(ctx, opts.AssetID)
	if err != nil {
		return err
	}

	downsampled := downsampleObservations(filtered, opts.MaxPoints)
	a.Logger.Info().Int("total", len(filtered)).Int("exported", len(downsampled)).Msg("exporting observations")

	signals := signalNames(downsampled)
	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, signals, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, opts.AssetID, signals, downsampled, findings); err != nil {
			return err
		}
	}
	return nil
}

func downsampleObservations(rows []domain.Observation, max int) []domain.Observation {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]domain.Observation, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func signalNames(rows []domain.Observation) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for name := range row.Signals {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeObservationsCSV(path string, signals []string, rows []domain.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(append([]string{"timestamp"}, signals...)); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, 0, len(signals)+1)
		record = append(record, row.Timestamp.UTC().Format(time.RFC3339))
		for _, name := range signals {
			v, ok := row.Signals[name]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writeBOMCSV(path string, bom domain.BOM) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sku", "type", "oem", "model", "serial", "qty", "uom", "price", "lead_time_days", "total_cost_ear", "rank", "recommended"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, item := range bom.Items {
		price, lead, total, rank := "", "", "", ""
		if item.Price != nil {
			price = item.Price.StringFixed(2)
		}
		if item.LeadTimeDays != nil {
			lead = strconv.Itoa(*item.LeadTimeDays)
		}
		if item.Metrics != nil {
			rank = strconv.Itoa(item.Metrics.Rank)
			if item.Metrics.TotalCostEAR != nil {
				total = item.Metrics.TotalCostEAR.StringFixed(2)
			}
		}
		record := []string{
			item.SKU,
			item.Type,
			item.OEM,
			item.Model,
			item.Serial,
			strconv.Itoa(item.Qty),
			item.UOM,
			price,
			lead,
			total,
			rank,
			strconv.FormatBool(item.Recommended),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writeObservationsPNG(path, assetID string, signals []string, rows []domain.Observation, findings []domain.Finding) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if len(rows) < 2 {
		return fmt.Errorf("need at least two observations to chart, got %d", len(rows))
	}

	series := make([]chart.Series, 0, len(signals)+1)
	for _, name := range signals {
		var x []time.Time
		var y []float64
		for _, row := range rows {
			if v, ok := row.Signals[name]; ok {
				x = append(x, row.Timestamp)
				y = append(y, v)
			}
		}
		if len(x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: name, XValues: x, YValues: y})
	}

	first, last := rows[0].Timestamp, rows[len(rows)-1].Timestamp
	var fx []time.Time
	var fy []float64
	for _, f := range findings {
		if f.PeakAt.Before(first) || f.PeakAt.After(last) {
			continue
		}
		fx = append(fx, f.PeakAt)
		fy = append(fy, f.Severity)
	}
	if len(fx) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Finding severity",
			XValues: fx,
			YValues: fy,
			YAxis:   chart.YAxisSecondary,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
			},
		})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  assetID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Reading",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Severity",
			ValueFormatter: valueFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
