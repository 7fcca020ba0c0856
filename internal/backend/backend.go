package backend

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ooda-engine/internal/domain"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/observe"
	"ooda-engine/internal/storage"
)

// Backend runs the four pipeline stages against a persistence strategy.
type Backend interface {
	Detect(ctx context.Context, req DetectRequest) (observe.Result, error)
	Diagnose(ctx context.Context, req DiagnoseRequest) (domain.DiagnosticRecord, error)
	CalculateRisk(ctx context.Context, req RiskRequest) (domain.RiskReport, error)
	Schedule(ctx context.Context, req ScheduleRequest) (domain.Schedule, error)
	Plan(ctx context.Context, req PlanRequest) ([]domain.Schedule, error)
	BuildBOM(ctx context.Context, req BOMRequest) (domain.BOM, error)
	CreateOrder(ctx context.Context, req OrderRequest) (domain.Order, error)
	Track(ctx context.Context, req TrackRequest) (domain.TrackingSubscription, error)
	Close() error
}

// Inspector is the read side of an opened backend, used by show, export
// and replay.
type Inspector interface {
	Kind() string
	Store() storage.ArtifactStore
	Source() inputs.Source
	Locker() storage.AdvisoryLocker
	Findings(ctx context.Context, assetID string) ([]domain.Finding, error)
}

// Handle is what New returns: the pipeline plus its read side.
type Handle interface {
	Backend
	Inspector
}

// DetectRequest scores the latest observation window of an asset.
type DetectRequest struct {
	AssetID           string     `validate:"required"`
	WindowMinutes     int        `validate:"gt=0"`
	SeverityThreshold float64    `validate:"gte=0,lte=1"`
	Since             *time.Time `validate:"omitempty"`
	Until             *time.Time `validate:"omitempty"`
}

// DiagnoseRequest classifies recent findings of an asset.
type DiagnoseRequest struct {
	AssetID string `validate:"required"`
	// AsOf ends the lookback and anchors recency; nil means now.
	AsOf *time.Time
}

// RiskRequest computes Energy-at-Risk for the asset's latest diagnosis.
// Empty Horizons fall back to the configured horizons.
type RiskRequest struct {
	AssetID  string `validate:"required"`
	Horizons []int  `validate:"omitempty,dive,gt=0"`
}

// ScheduleRequest places one repair into the crew calendar. Zero values fall
// back to configured defaults; an empty ComponentRef targets the component of
// the primary diagnostic entry.
type ScheduleRequest struct {
	AssetID        string    `validate:"required"`
	ComponentRef   string    `validate:"omitempty"`
	Start          time.Time `validate:"omitempty"`
	End            time.Time `validate:"omitempty"`
	CrewsAvailable int       `validate:"gte=0"`
	HoursPerDay    float64   `validate:"gte=0,lte=24"`
}

// PlanRequest allocates every diagnosed asset in one pass.
type PlanRequest struct {
	Start          time.Time `validate:"omitempty"`
	End            time.Time `validate:"omitempty"`
	CrewsAvailable int       `validate:"gte=0"`
	HoursPerDay    float64   `validate:"gte=0,lte=24"`
}

// BOMRequest builds the bill of materials for a schedule. When EARUSDPerDay is
// nil and UseRiskReport is set, the rate comes from the asset's risk report.
type BOMRequest struct {
	ScheduleID      string           `validate:"required"`
	EARUSDPerDay    *decimal.Decimal `validate:"omitempty"`
	UseRiskReport   bool
	VariantsPerType *int `validate:"omitempty,gte=0"`
}

// OrderRequest validates a BOM against the asset and records the order.
type OrderRequest struct {
	BOMID   string `validate:"required"`
	AssetID string `validate:"required"`
}

// TrackRequest subscribes an email address to job updates.
type TrackRequest struct {
	Email string `validate:"required,email"`
	JobID string `validate:"required"`
}
