package orient

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ooda-engine/internal/domain"
)

// RiskOptions parameterise the Energy-at-Risk calculation.
type RiskOptions struct {
	CapacityFactor  float64
	TariffUSDPerKWh float64
	Spread          float64
	// ConfidenceSpread widens the interval as diagnostic confidence drops.
	ConfidenceSpread bool
}

var (
	hoursPerDay = decimal.NewFromInt(24)
	one         = decimal.NewFromInt(1)
)

// EAR returns the daily energy and currency exposure for a degraded asset.
// Both values are non-negative and non-decreasing in severity.
func EAR(capacityKW, capacityFactor, severity, tariffUSDPerKWh float64) (energyKWh, usdPerDay decimal.Decimal) {
	if capacityKW < 0 {
		capacityKW = 0
	}
	if tariffUSDPerKWh < 0 {
		tariffUSDPerKWh = 0
	}
	energyKWh = decimal.NewFromFloat(capacityKW).
		Mul(decimal.NewFromFloat(clamp01(capacityFactor))).
		Mul(hoursPerDay).
		Mul(decimal.NewFromFloat(clamp01(severity))).
		Round(4)
	usdPerDay = energyKWh.Mul(decimal.NewFromFloat(tariffUSDPerKWh)).Round(2)
	return energyKWh, usdPerDay
}

// Exposure scales a daily rate to a horizon in hours.
func Exposure(usdPerDay decimal.Decimal, horizonHours int) decimal.Decimal {
	if horizonHours <= 0 {
		return decimal.Zero
	}
	return usdPerDay.Mul(decimal.NewFromInt(int64(horizonHours))).Div(hoursPerDay).Round(2)
}

// EstimateRisk computes one estimate per requested horizon from the record's
// most severe entry.
func EstimateRisk(asset domain.Asset, record domain.DiagnosticRecord, horizons []int, opts RiskOptions) ([]domain.RiskEstimate, error) {
	hs, err := normalizeHorizons(horizons)
	if err != nil {
		return nil, err
	}
	if opts.Spread < 0 || opts.Spread > 1 {
		return nil, fmt.Errorf("risk spread %.3f outside [0,1]: %w", opts.Spread, domain.ErrValidation)
	}

	entry, ok := record.Primary()
	if !ok {
		entry = domain.DiagnosticEntry{ComponentRef: asset.ComponentRef(0)}
	}

	spread := opts.Spread
	if opts.ConfidenceSpread && ok {
		spread = clamp01(spread * (2 - clamp01(entry.Confidence)))
	}
	spreadDec := decimal.NewFromFloat(spread)

	energy, usd := EAR(asset.CapacityKW, opts.CapacityFactor, entry.Severity, opts.TariffUSDPerKWh)
	low := usd.Mul(one.Sub(spreadDec)).Round(2)
	if low.IsNegative() {
		low = decimal.Zero
	}
	high := usd.Mul(one.Add(spreadDec)).Round(2)

	estimates := make([]domain.RiskEstimate, 0, len(hs))
	for _, h := range hs {
		estimates = append(estimates, domain.RiskEstimate{
			AssetID:         asset.ID,
			ComponentRef:    entry.ComponentRef,
			HorizonHours:    h,
			Severity:        clamp01(entry.Severity),
			CapacityFactor:  clamp01(opts.CapacityFactor),
			EnergyKWhPerDay: energy,
			USDPerDay:       usd,
			TotalUSD:        Exposure(usd, h),
			CILowUSD:        low,
			CIHighUSD:       high,
		})
	}
	return estimates, nil
}

// NewRiskReport bundles estimates for persistence.
func NewRiskReport(assetID string, estimates []domain.RiskEstimate, at time.Time) domain.RiskReport {
	return domain.RiskReport{AssetID: assetID, Estimates: estimates, CreatedAt: at}
}

func normalizeHorizons(horizons []int) ([]int, error) {
	if len(horizons) == 0 {
		return nil, fmt.Errorf("at least one horizon is required: %w", domain.ErrValidation)
	}
	seen := make(map[int]struct{}, len(horizons))
	out := make([]int, 0, len(horizons))
	for _, h := range horizons {
		if h <= 0 {
			return nil, fmt.Errorf("horizon %d must be positive: %w", h, domain.ErrValidation)
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Ints(out)
	return out, nil
}
