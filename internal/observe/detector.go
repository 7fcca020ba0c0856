package observe

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ooda-engine/internal/domain"
)

// Bounds is the physically plausible range of a signal.
type Bounds struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Options tune the detector scoring.
type Options struct {
	MinSamples       int
	ZSaturation      float64
	PowerSignal      string
	IrradianceSignal string
	// IdlePowerKW is the most output accepted while irradiance reads zero.
	IdlePowerKW float64
	// CapacityTolerance is the fraction above nameplate still accepted.
	CapacityTolerance float64
	ForecastWeight    float64
	ForecastTolerance time.Duration
	SignalWeights     map[string]float64
	Bounds            map[string]Bounds
	GapFactor         float64
}

// Request selects the asset and window to score.
type Request struct {
	AssetID           string
	WindowMinutes     int
	SeverityThreshold float64
	// CapacityKW is the nameplate rating; zero disables the capacity check.
	CapacityKW float64
	Since      *time.Time
	// Until replays history by ignoring rows after it.
	Until *time.Time
}

// Result carries the findings of one detection pass.
type Result struct {
	Findings     []domain.Finding
	Window       domain.Window
	Evaluated    int
	Skipped      int
	Insufficient bool
	PeakSeverity float64
}

// Detector scores observation windows against their rolling statistics.
type Detector struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Detector, filling unset options with defaults.
func New(opts Options, logger zerolog.Logger) *Detector {
	if opts.MinSamples < 2 {
		opts.MinSamples = 4
	}
	if opts.ZSaturation <= 0 {
		opts.ZSaturation = 2.0
	}
	if opts.PowerSignal == "" {
		opts.PowerSignal = "power"
	}
	if opts.IrradianceSignal == "" {
		opts.IrradianceSignal = "irradiance"
	}
	if opts.IdlePowerKW <= 0 {
		opts.IdlePowerKW = 0.5
	}
	if opts.CapacityTolerance <= 0 {
		opts.CapacityTolerance = 0.05
	}
	if opts.ForecastTolerance <= 0 {
		opts.ForecastTolerance = 5 * time.Minute
	}
	if opts.GapFactor <= 1 {
		opts.GapFactor = 3
	}
	opts.ForecastWeight = clamp01(opts.ForecastWeight)
	return &Detector{
		opts:   opts,
		logger: logger.With().Str("component", "detector").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Detect scores the most recent window of observations for one asset.
// Too few samples yields an empty result, not an error.
func (d *Detector) Detect(req Request, observations []domain.Observation, forecast []domain.ForecastPoint) (Result, error) {
	if req.AssetID == "" {
		return Result{}, fmt.Errorf("asset id is required: %w", domain.ErrValidation)
	}
	if req.WindowMinutes <= 0 {
		return Result{}, fmt.Errorf("window_minutes must be positive: %w", domain.ErrValidation)
	}
	if req.SeverityThreshold < 0 || req.SeverityThreshold > 1 {
		return Result{}, fmt.Errorf("severity_threshold must lie in [0,1]: %w", domain.ErrValidation)
	}

	log := d.logger.With().Str("asset_id", req.AssetID).Logger()

	rows, skipped := d.validRows(req, observations, log)
	result := Result{Skipped: skipped}
	if len(rows) == 0 {
		result.Insufficient = true
		log.Debug().Msg("no observations in window")
		return result, nil
	}

	end := rows[len(rows)-1].Timestamp
	start := end.Add(-time.Duration(req.WindowMinutes) * time.Minute)
	result.Window = domain.Window{Start: start, End: end}

	inWindow := rows[:0:0]
	for _, row := range rows {
		if !row.Timestamp.Before(start) {
			inWindow = append(inWindow, row)
		}
	}
	result.Evaluated = len(inWindow)

	stats := d.signalStats(inWindow)
	if len(stats) == 0 {
		result.Insufficient = true
		log.Debug().Int("samples", len(inWindow)).Int("min_samples", d.opts.MinSamples).
			Err(domain.ErrInsufficientData).Msg("not enough samples to score window")
		return result, nil
	}

	matcher := newForecastMatcher(req.AssetID, forecast, d.opts.ForecastTolerance)

	peakIdx := -1
	var peak scoredRow
	for i, row := range inWindow {
		scored := d.scoreRow(row, stats, matcher)
		if peakIdx < 0 || scored.severity > peak.severity {
			peakIdx = i
			peak = scored
		}
	}
	result.PeakSeverity = peak.severity

	if peak.severity < req.SeverityThreshold {
		log.Debug().Float64("severity", peak.severity).Float64("threshold", req.SeverityThreshold).
			Msg("window below severity threshold")
		return result, nil
	}

	row := inWindow[peakIdx]
	finding := domain.Finding{
		ID:               FindingID(req.AssetID, end),
		AssetID:          req.AssetID,
		Window:           result.Window,
		PeakAt:           row.Timestamp,
		Snapshot:         copySignals(row.Signals),
		Signals:          peak.signals,
		ForecastSeverity: peak.forecastSeverity,
		Severity:         peak.severity,
		Notes:            d.notes(inWindow, peak, skipped),
		CreatedAt:        d.now(),
	}
	if peak.hasForecast {
		deviation := peak.deviation
		finding.ForecastDeviation = &deviation
	}

	log.Info().Str("finding_id", finding.ID).Float64("severity", finding.Severity).
		Time("peak_at", finding.PeakAt).Msg("anomaly detected")

	result.Findings = []domain.Finding{finding}
	return result, nil
}

// FindingID keys a finding by asset and window end so reruns overwrite.
func FindingID(assetID string, end time.Time) string {
	return fmt.Sprintf("%s-%s", assetID, end.UTC().Format("20060102T150405Z"))
}

func (d *Detector) validRows(req Request, observations []domain.Observation, log zerolog.Logger) ([]domain.Observation, int) {
	rows := make([]domain.Observation, 0, len(observations))
	skipped := 0
	for _, obs := range observations {
		if obs.AssetID != "" && obs.AssetID != req.AssetID {
			continue
		}
		if req.Since != nil && !obs.Timestamp.After(*req.Since) {
			continue
		}
		if req.Until != nil && obs.Timestamp.After(*req.Until) {
			continue
		}
		if err := d.validate(obs, req.CapacityKW); err != nil {
			skipped++
			log.Warn().Err(err).Time("timestamp", obs.Timestamp).Msg("skipping observation")
			continue
		}
		rows = append(rows, obs)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	return rows, skipped
}

func (d *Detector) validate(obs domain.Observation, capacityKW float64) error {
	if obs.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp: %w", domain.ErrValidation)
	}
	for name, value := range obs.Signals {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("signal %s is not finite: %w", name, domain.ErrValidation)
		}
		if b, ok := d.opts.Bounds[name]; ok && (value < b.Min || value > b.Max) {
			return fmt.Errorf("signal %s=%g outside [%g,%g]: %w", name, value, b.Min, b.Max, domain.ErrValidation)
		}
	}
	return d.validatePhysics(obs, capacityKW)
}

// validatePhysics rejects power readings a PV plant cannot produce.
func (d *Detector) validatePhysics(obs domain.Observation, capacityKW float64) error {
	power, ok := obs.Signals[d.opts.PowerSignal]
	if !ok {
		return nil
	}
	if power < 0 {
		return fmt.Errorf("negative power %g: %w", power, domain.ErrValidation)
	}
	if capacityKW > 0 && power > capacityKW*(1+d.opts.CapacityTolerance) {
		return fmt.Errorf("power %g exceeds capacity %g kW: %w", power, capacityKW, domain.ErrValidation)
	}
	if irradiance, ok := obs.Signals[d.opts.IrradianceSignal]; ok && irradiance <= 0 && power > d.opts.IdlePowerKW {
		return fmt.Errorf("power %g with zero irradiance: %w", power, domain.ErrValidation)
	}
	return nil
}

type signalStat struct {
	mean float64
	std  float64
}

func (d *Detector) signalStats(rows []domain.Observation) map[string]signalStat {
	values := make(map[string][]float64)
	for _, row := range rows {
		for name, v := range row.Signals {
			values[name] = append(values[name], v)
		}
	}

	stats := make(map[string]signalStat, len(values))
	for name, series := range values {
		if len(series) < d.opts.MinSamples {
			continue
		}
		mean, std := meanStd(series)
		if std < 1e-9*math.Max(1, math.Abs(mean)) {
			std = 0
		}
		stats[name] = signalStat{mean: mean, std: std}
	}
	return stats
}

type scoredRow struct {
	severity         float64
	signals          []domain.SignalScore
	forecastSeverity float64
	deviation        float64
	hasForecast      bool
}

func (d *Detector) scoreRow(row domain.Observation, stats map[string]signalStat, matcher *forecastMatcher) scoredRow {
	names := make([]string, 0, len(row.Signals))
	for name := range row.Signals {
		if _, ok := stats[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := scoredRow{signals: make([]domain.SignalScore, 0, len(names))}
	terms := make([]float64, 0, len(names)+1)
	for _, name := range names {
		st := stats[name]
		value := row.Signals[name]
		z := 0.0
		if st.std > 0 {
			z = (value - st.mean) / st.std
		}
		sev := clamp01(math.Abs(z) / d.opts.ZSaturation)
		out.signals = append(out.signals, domain.SignalScore{Name: name, Value: value, ZScore: z, Severity: sev})
		terms = append(terms, d.signalWeight(name)*sev)
	}

	if actual, ok := row.Signals[d.opts.PowerSignal]; ok {
		if predicted, found := matcher.match(row.Timestamp); found {
			out.hasForecast = true
			out.deviation = actual - predicted
			if predicted > 0 {
				out.forecastSeverity = clamp01(math.Max(0, -out.deviation) / predicted)
			}
			terms = append(terms, d.opts.ForecastWeight*out.forecastSeverity)
		}
	}

	out.severity = CombineSeverity(terms...)
	return out
}

func (d *Detector) signalWeight(name string) float64 {
	if w, ok := d.opts.SignalWeights[name]; ok {
		return clamp01(w)
	}
	return 1
}

// CombineSeverity folds weighted terms with a noisy-OR: 1 - Π(1 - t).
// Each term is clamped to [0,1]; the result is monotonic in every term and never exceeds 1.
func CombineSeverity(terms ...float64) float64 {
	miss := 1.0
	for _, t := range terms {
		miss *= 1 - clamp01(t)
	}
	return clamp01(1 - miss)
}

func (d *Detector) notes(rows []domain.Observation, peak scoredRow, skipped int) []string {
	var notes []string
	top := peak.signals
	if len(top) > 0 {
		best := top[0]
		for _, s := range top[1:] {
			if s.Severity > best.Severity {
				best = s
			}
		}
		notes = append(notes, fmt.Sprintf("%s=%.2f deviates %.2f sigma from window mean", best.Name, best.Value, best.ZScore))
	}
	if peak.hasForecast {
		notes = append(notes, fmt.Sprintf("power deviation vs forecast %.2f kW", peak.deviation))
	}
	if skipped > 0 {
		notes = append(notes, fmt.Sprintf("%d malformed observation(s) skipped", skipped))
	}
	notes = append(notes, gapNotes(rows, d.opts.GapFactor)...)
	return notes
}

// gapNotes reports spacing between readings well above the median cadence.
func gapNotes(rows []domain.Observation, factor float64) []string {
	if len(rows) < 3 {
		return nil
	}
	spacing := make([]time.Duration, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		spacing = append(spacing, rows[i].Timestamp.Sub(rows[i-1].Timestamp))
	}
	sorted := append([]time.Duration(nil), spacing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]
	if median <= 0 {
		return nil
	}

	var notes []string
	for i, gap := range spacing {
		if float64(gap) > factor*float64(median) {
			notes = append(notes, fmt.Sprintf("data gap of %s after %s", gap, rows[i].Timestamp.UTC().Format(time.RFC3339)))
		}
	}
	return notes
}

type forecastMatcher struct {
	points    []domain.ForecastPoint
	tolerance time.Duration
}

func newForecastMatcher(assetID string, forecast []domain.ForecastPoint, tolerance time.Duration) *forecastMatcher {
	points := make([]domain.ForecastPoint, 0, len(forecast))
	for _, p := range forecast {
		if p.AssetID != "" && p.AssetID != assetID {
			continue
		}
		if math.IsNaN(p.PowerKW) || math.IsInf(p.PowerKW, 0) || p.PowerKW < 0 {
			continue
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return &forecastMatcher{points: points, tolerance: tolerance}
}

func (m *forecastMatcher) match(t time.Time) (float64, bool) {
	if len(m.points) == 0 {
		return 0, false
	}
	idx := sort.Search(len(m.points), func(i int) bool { return !m.points[i].Timestamp.Before(t) })

	best := -1
	var bestDist time.Duration
	for _, cand := range []int{idx - 1, idx} {
		if cand < 0 || cand >= len(m.points) {
			continue
		}
		dist := m.points[cand].Timestamp.Sub(t)
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	if best < 0 || bestDist > m.tolerance {
		return 0, false
	}
	return m.points[best].PowerKW, true
}

func meanStd(series []float64) (float64, float64) {
	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(len(series))
	var sq float64
	for _, v := range series {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(series)))
}

func copySignals(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// SignalNames lists the scored signals of a finding, strongest first.
func SignalNames(f domain.Finding) string {
	scores := append([]domain.SignalScore(nil), f.Signals...)
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Severity > scores[j].Severity })
	names := make([]string, 0, len(scores))
	for _, s := range scores {
		names = append(names, s.Name)
	}
	return strings.Join(names, ",")
}
