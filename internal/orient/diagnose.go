package orient

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ooda-engine/internal/domain"
)

// Weights balance the composite risk score terms.
type Weights struct {
	Severity  float64 `mapstructure:"severity"`
	Frequency float64 `mapstructure:"frequency"`
	Recency   float64 `mapstructure:"recency"`
}

func (w Weights) normalized() Weights {
	sum := w.Severity + w.Frequency + w.Recency
	if sum <= 0 {
		return Weights{Severity: 0.5, Frequency: 0.3, Recency: 0.2}
	}
	return Weights{Severity: w.Severity / sum, Frequency: w.Frequency / sum, Recency: w.Recency / sum}
}

// Options tune the diagnostician.
type Options struct {
	Lookback       time.Duration
	HalfLife       time.Duration
	FrequencyScale float64
	Weights        Weights
	TrendEpsilon   float64
	EvidenceFloor  float64
}

// Diagnostician turns findings into a diagnostic record.
type Diagnostician struct {
	opts       Options
	classifier *Classifier
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDiagnostician builds a diagnostician around a compiled taxonomy.
func NewDiagnostician(opts Options, taxonomy Taxonomy, logger zerolog.Logger) *Diagnostician {
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 24 * time.Hour
	}
	if opts.FrequencyScale <= 0 {
		opts.FrequencyScale = 3
	}
	if opts.TrendEpsilon <= 0 {
		opts.TrendEpsilon = 0.05
	}
	if opts.EvidenceFloor <= 0 {
		opts.EvidenceFloor = 0.5
	}
	opts.Weights = opts.Weights.normalized()
	return &Diagnostician{
		opts:       opts,
		classifier: taxonomy.Compile(),
		logger:     logger.With().Str("component", "diagnostician").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Diagnose classifies the asset's unconsumed findings and scores the
// lookback ending at asOf. A zero asOf means now. prior is the previous
// record for the asset, if any.
func (d *Diagnostician) Diagnose(asset domain.Asset, findings []domain.Finding, prior *domain.DiagnosticRecord, asOf time.Time) (domain.DiagnosticRecord, error) {
	if asOf.IsZero() {
		asOf = d.now()
	}
	recent := d.recentFindings(asset.ID, findings, asOf)
	if len(recent) == 0 {
		return domain.DiagnosticRecord{}, fmt.Errorf("findings for asset %q in the %s before %s: %w",
			asset.ID, d.opts.Lookback, asOf.UTC().Format(time.RFC3339), domain.ErrNotFound)
	}

	consumed := make(map[string]struct{})
	if prior != nil {
		for _, id := range prior.FindingIDs {
			consumed[id] = struct{}{}
		}
	}

	record := domain.DiagnosticRecord{
		AssetID:           asset.ID,
		Trend:             domain.TrendStable,
		EarliestFindingAt: recent[0].Window.End,
		LatestFindingAt:   recent[len(recent)-1].Window.End,
		AsOf:              asOf.UTC(),
		CreatedAt:         d.now(),
	}

	maxSeverity := 0.0
	var fresh []domain.Finding
	for _, f := range recent {
		record.FindingIDs = append(record.FindingIDs, f.ID)
		if _, ok := consumed[f.ID]; !ok {
			fresh = append(fresh, f)
		}
		maxSeverity = math.Max(maxSeverity, clamp01(f.Severity))
	}
	record.NewFindings = len(fresh)

	// Nothing new: the standing evidence is classified again.
	classify := fresh
	if len(classify) == 0 {
		classify = recent
	}

	type entryKey struct{ ref, category, subcategory string }
	entries := make(map[entryKey]*domain.DiagnosticEntry)
	order := make([]entryKey, 0)

	for _, f := range classify {
		for _, ev := range d.evidence(f) {
			label := d.classifier.Classify(ev)
			ref := resolveComponent(asset, label.ComponentType)
			key := entryKey{ref: ref, category: label.Category, subcategory: label.Subcategory}
			entry, ok := entries[key]
			if !ok {
				entry = &domain.DiagnosticEntry{
					ComponentRef: ref,
					Category:     label.Category,
					Subcategory:  label.Subcategory,
					Actions:      label.Actions,
				}
				entries[key] = entry
				order = append(order, key)
			}
			entry.Findings++
			entry.Severity = math.Max(entry.Severity, clamp01(ev.Severity))
		}
	}

	for _, key := range order {
		entry := entries[key]
		conf := 1 - math.Exp(-float64(entry.Findings)/2)
		if key.category == UnknownCategory {
			conf /= 2
		}
		entry.Confidence = clamp01(conf)
		record.Entries = append(record.Entries, *entry)
	}

	age := asOf.Sub(record.LatestFindingAt)
	if age < 0 {
		age = 0
	}
	record.CompositeScore = CompositeScore(d.opts, maxSeverity, len(recent), age)

	if prior != nil {
		p := prior.CompositeScore
		record.PriorScore = &p
		record.Trend = ClassifyTrend(record.CompositeScore, p, d.opts.TrendEpsilon)
	}

	d.logger.Info().Str("asset_id", asset.ID).Int("findings", len(recent)).Int("new", record.NewFindings).
		Float64("composite", record.CompositeScore).Str("trend", record.Trend).Msg("diagnosis complete")

	return record, nil
}

// CompositeScore weighs peak severity, finding frequency and recency into [0,1].
func CompositeScore(opts Options, severity float64, count int, age time.Duration) float64 {
	w := opts.Weights.normalized()
	scale := opts.FrequencyScale
	if scale <= 0 {
		scale = 3
	}
	halfLife := opts.HalfLife
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	frequency := 1 - math.Exp(-float64(count)/scale)
	recency := math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
	return clamp01(w.Severity*clamp01(severity) + w.Frequency*clamp01(frequency) + w.Recency*clamp01(recency))
}

// ClassifyTrend compares the current composite score to the prior one.
func ClassifyTrend(current, prior, epsilon float64) string {
	switch delta := current - prior; {
	case delta > epsilon:
		return domain.TrendDegrading
	case delta < -epsilon:
		return domain.TrendImproving
	default:
		return domain.TrendStable
	}
}

// recentFindings keeps the asset's findings whose window ended inside
// [asOf-lookback, asOf], oldest first.
func (d *Diagnostician) recentFindings(assetID string, findings []domain.Finding, asOf time.Time) []domain.Finding {
	cutoff := asOf.Add(-d.opts.Lookback)
	own := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		if f.AssetID == assetID && !f.Window.End.After(asOf) && !f.Window.End.Before(cutoff) {
			own = append(own, f)
		}
	}
	if len(own) == 0 {
		return nil
	}
	sort.SliceStable(own, func(i, j int) bool {
		if own[i].Window.End.Equal(own[j].Window.End) {
			return own[i].ID < own[j].ID
		}
		return own[i].Window.End.Before(own[j].Window.End)
	})
	return own
}

// evidence picks the signals strong enough to be classified; the strongest
// signal is always kept so every finding lands in some entry.
func (d *Diagnostician) evidence(f domain.Finding) []Evidence {
	var out []Evidence
	var strongest *Evidence
	for _, s := range f.Signals {
		ev := Evidence{Signal: s.Name, ZScore: s.ZScore, Severity: s.Severity}
		if strongest == nil || ev.Severity > strongest.Severity {
			cp := ev
			strongest = &cp
		}
		if ev.Severity >= d.opts.EvidenceFloor {
			out = append(out, ev)
		}
	}
	if f.ForecastSeverity >= d.opts.EvidenceFloor {
		out = append(out, Evidence{Signal: ForecastSignal, ZScore: -1, Severity: f.ForecastSeverity})
	}
	if len(out) == 0 {
		if strongest != nil {
			return []Evidence{*strongest}
		}
		return []Evidence{{Signal: ForecastSignal, ZScore: -1, Severity: f.Severity}}
	}
	return out
}

func resolveComponent(asset domain.Asset, componentType string) string {
	if componentType != "" {
		if ref, ok := asset.FirstOfType(componentType); ok {
			return ref
		}
	}
	return asset.ComponentRef(0)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
