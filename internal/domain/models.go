package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is a monitored device together with its installed components.
type Asset struct {
	ID         string      `json:"id" yaml:"id" validate:"required"`
	Name       string      `json:"name" yaml:"name"`
	CapacityKW float64     `json:"capacity_kw" yaml:"capacity_kw" validate:"gte=0"`
	Location   string      `json:"location" yaml:"location"`
	Components []Component `json:"components" yaml:"components" validate:"dive"`
}

// Component is one installed part of an asset.
type Component struct {
	OEM         string    `json:"oem" yaml:"oem"`
	Model       string    `json:"model" yaml:"model"`
	Serial      string    `json:"serial,omitempty" yaml:"serial"`
	Type        string    `json:"type" yaml:"type" validate:"required"`
	InstallDate time.Time `json:"install_date" yaml:"install_date"`
}

// ComponentRef returns the reference for the component at index idx.
// Serial numbers are preferred; otherwise the type and position identify it.
func (a Asset) ComponentRef(idx int) string {
	if idx < 0 || idx >= len(a.Components) {
		return ""
	}
	c := a.Components[idx]
	if c.Serial != "" {
		return c.Serial
	}
	return fmt.Sprintf("%s:%d", c.Type, idx)
}

// FindComponent resolves a component reference produced by ComponentRef.
func (a Asset) FindComponent(ref string) (Component, bool) {
	for i := range a.Components {
		if a.ComponentRef(i) == ref {
			return a.Components[i], true
		}
	}
	return Component{}, false
}

// FirstOfType returns the reference of the first component whose type matches.
func (a Asset) FirstOfType(componentType string) (string, bool) {
	for i, c := range a.Components {
		if strings.EqualFold(c.Type, componentType) {
			return a.ComponentRef(i), true
		}
	}
	return "", false
}

// Observation is one telemetry row: signal name to reading.
type Observation struct {
	Timestamp time.Time          `json:"timestamp"`
	AssetID   string             `json:"asset_id"`
	Signals   map[string]float64 `json:"signals"`
}

// ForecastPoint is a predicted power output for an asset.
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	AssetID   string    `json:"asset_id"`
	PowerKW   float64   `json:"power_kw"`
}

// Window is a closed time interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within the window bounds.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// SignalScore keeps the per-signal evidence behind a finding.
type SignalScore struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	ZScore   float64 `json:"z_score"`
	Severity float64 `json:"severity"`
}

// Finding is one anomaly detected for an asset over a window.
type Finding struct {
	ID                string             `json:"id"`
	AssetID           string             `json:"asset_id"`
	Window            Window             `json:"window"`
	PeakAt            time.Time          `json:"peak_at"`
	Snapshot          map[string]float64 `json:"snapshot"`
	Signals           []SignalScore      `json:"signals"`
	ForecastDeviation *float64           `json:"forecast_deviation,omitempty"`
	ForecastSeverity  float64            `json:"forecast_severity,omitempty"`
	Severity          float64            `json:"severity"`
	Notes             []string           `json:"notes,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Trend labels derived by comparing composite scores.
const (
	TrendDegrading = "degrading"
	TrendStable    = "stable"
	TrendImproving = "improving"
)

// DiagnosticEntry maps evidence to a component and a taxonomy label.
type DiagnosticEntry struct {
	ComponentRef string   `json:"component_ref"`
	Category     string   `json:"category"`
	Subcategory  string   `json:"subcategory"`
	Severity     float64  `json:"severity"`
	Confidence   float64  `json:"confidence"`
	Actions      []string `json:"recommended_actions,omitempty"`
	Findings     int      `json:"findings"`
}

// DiagnosticRecord is the Orient artifact for one asset.
type DiagnosticRecord struct {
	AssetID           string            `json:"asset_id"`
	Entries           []DiagnosticEntry `json:"entries"`
	CompositeScore    float64           `json:"composite_score"`
	PriorScore        *float64          `json:"prior_score,omitempty"`
	Trend             string            `json:"trend"`
	FindingIDs        []string          `json:"finding_ids"`
	NewFindings       int               `json:"new_findings"`
	EarliestFindingAt time.Time         `json:"earliest_finding_at"`
	LatestFindingAt   time.Time         `json:"latest_finding_at"`
	AsOf              time.Time         `json:"as_of"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Primary returns the entry with the highest severity, earliest on ties.
func (r DiagnosticRecord) Primary() (DiagnosticEntry, bool) {
	if len(r.Entries) == 0 {
		return DiagnosticEntry{}, false
	}
	best := r.Entries[0]
	for _, e := range r.Entries[1:] {
		if e.Severity > best.Severity {
			best = e
		}
	}
	return best, true
}

// RiskEstimate is the Energy-at-Risk exposure for one horizon.
type RiskEstimate struct {
	AssetID         string          `json:"asset_id"`
	ComponentRef    string          `json:"component_ref"`
	HorizonHours    int             `json:"horizon_hours"`
	Severity        float64         `json:"severity"`
	CapacityFactor  float64         `json:"capacity_factor"`
	EnergyKWhPerDay decimal.Decimal `json:"energy_kwh_per_day"`
	USDPerDay       decimal.Decimal `json:"usd_per_day"`
	TotalUSD        decimal.Decimal `json:"total_usd"`
	CILowUSD        decimal.Decimal `json:"ci_low_usd_per_day"`
	CIHighUSD       decimal.Decimal `json:"ci_high_usd_per_day"`
}

// RiskReport groups the estimates of one diagnostic pass.
type RiskReport struct {
	AssetID   string         `json:"asset_id"`
	Estimates []RiskEstimate `json:"estimates"`
	CreatedAt time.Time      `json:"created_at"`
}

// Schedule statuses.
const (
	ScheduleScheduled   = "scheduled"
	ScheduleUnscheduled = "unscheduled"
)

// Schedule assigns repair work to a crew within a window.
type Schedule struct {
	ID           string    `json:"id"`
	AssetID      string    `json:"asset_id"`
	ComponentRef string    `json:"component_ref"`
	Window       Window    `json:"window"`
	Crew         int       `json:"crew"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Hours        float64   `json:"hours"`
	RiskScore    float64   `json:"risk_score"`
	Status       string    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CatalogPart is reference data describing an orderable part.
type CatalogPart struct {
	SKU              string            `json:"sku" yaml:"sku" validate:"required"`
	OEM              string            `json:"oem" yaml:"oem"`
	Model            string            `json:"model" yaml:"model"`
	Description      string            `json:"description" yaml:"description"`
	UOM              string            `json:"uom" yaml:"uom"`
	DefaultQty       int               `json:"default_qty" yaml:"default_qty" validate:"gte=0"`
	Price            *decimal.Decimal  `json:"price,omitempty" yaml:"price"`
	LeadTimeDays     *int              `json:"lead_time_days,omitempty" yaml:"lead_time_days" validate:"omitempty,gte=0"`
	CompatibleAssets []string          `json:"compatible_assets,omitempty" yaml:"compatible_assets"`
	Type             string            `json:"type" yaml:"type"`
	Attributes       map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// HasIdentity reports whether the part names a specific OEM model.
func (p CatalogPart) HasIdentity() bool {
	return p.OEM != "" && p.Model != ""
}

// SelectionMetrics explains where a BOM item landed in the ranking.
type SelectionMetrics struct {
	TotalCostEAR *decimal.Decimal `json:"total_cost_ear,omitempty"`
	LossScore    *decimal.Decimal `json:"loss_score,omitempty"`
	Rank         int              `json:"rank"`
	Demoted      bool             `json:"demoted,omitempty"`
}

// BOMItem is one line of a bill of materials.
type BOMItem struct {
	SKU          string            `json:"sku"`
	OEM          string            `json:"oem,omitempty"`
	Model        string            `json:"model,omitempty"`
	Serial       string            `json:"serial,omitempty"`
	Description  string            `json:"description"`
	UOM          string            `json:"uom"`
	Qty          int               `json:"qty"`
	Price        *decimal.Decimal  `json:"price,omitempty"`
	LeadTimeDays *int              `json:"lead_time_days,omitempty"`
	Type         string            `json:"type"`
	Recommended  bool              `json:"recommended"`
	Metrics      *SelectionMetrics `json:"metrics,omitempty"`
}

// HasIdentity reports whether the item must resolve against an installed component.
func (i BOMItem) HasIdentity() bool {
	return i.OEM != "" && i.Model != ""
}

// BOM is the bill of materials built for a schedule.
type BOM struct {
	ID           string           `json:"id"`
	ScheduleID   string           `json:"schedule_id"`
	AssetID      string           `json:"asset_id"`
	ComponentRef string           `json:"component_ref"`
	EARUSDPerDay *decimal.Decimal `json:"ear_usd_per_day,omitempty"`
	Items        []BOMItem        `json:"items"`
	CreatedAt    time.Time        `json:"created_at"`
}

// OrderSubmitted is the status of a freshly validated order.
const OrderSubmitted = "submitted"

// Order is a validated purchase order referencing a BOM.
type Order struct {
	ID        string    `json:"id"`
	BOMID     string    `json:"bom_id"`
	AssetID   string    `json:"asset_id"`
	Status    string    `json:"status"`
	Items     int       `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackingSubscription registers an email for job status updates.
type TrackingSubscription struct {
	Email     string    `json:"email"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
