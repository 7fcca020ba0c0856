package decide

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ooda-engine/internal/domain"
)

// LossWeights weigh the informational loss score attached to ranked items.
type LossWeights struct {
	Energy float64 `mapstructure:"w_energy"`
	Cost   float64 `mapstructure:"w_cost"`
	MTTR   float64 `mapstructure:"w_mttr"`
}

// BOMRequest carries everything the builder needs for one schedule.
type BOMRequest struct {
	Schedule        domain.Schedule
	Asset           domain.Asset
	EARUSDPerDay    *decimal.Decimal
	VariantsPerType int
}

// Candidate is a compatible catalog part with its ranking inputs.
type Candidate struct {
	Part         domain.CatalogPart
	TotalCostEAR decimal.Decimal
	LossScore    decimal.Decimal
	Demoted      bool
	Rank         int
}

// Candidates filters the catalog to parts fitting the component.
// Identity parts must match OEM and model; consumables must list the asset
// or component type among their compatible tags.
func Candidates(asset domain.Asset, component domain.Component, catalog []domain.CatalogPart) []domain.CatalogPart {
	out := make([]domain.CatalogPart, 0)
	for _, part := range catalog {
		if part.HasIdentity() {
			if !strings.EqualFold(part.OEM, component.OEM) || !strings.EqualFold(part.Model, component.Model) {
				continue
			}
			if len(part.CompatibleAssets) > 0 && !tagged(part.CompatibleAssets, asset.ID, component.Type) {
				continue
			}
			out = append(out, part)
			continue
		}
		if len(part.CompatibleAssets) > 0 && tagged(part.CompatibleAssets, asset.ID, component.Type) {
			out = append(out, part)
		}
	}
	return out
}

// Rank orders candidates of one type by total_cost_ear = price + ear*lead_time_days.
// Ties fall to lower lead time, then lower price, then SKU. Candidates missing
// price or lead time are demoted behind every complete candidate.
func Rank(parts []domain.CatalogPart, ear decimal.Decimal, weights LossWeights) []Candidate {
	ranked := make([]Candidate, 0, len(parts))
	for _, part := range parts {
		c := Candidate{Part: part}
		if part.Price == nil || part.LeadTimeDays == nil {
			c.Demoted = true
		} else {
			lead := decimal.NewFromInt(int64(*part.LeadTimeDays))
			c.TotalCostEAR = part.Price.Add(ear.Mul(lead))
			c.LossScore = decimal.NewFromFloat(weights.Cost).Mul(*part.Price).
				Add(decimal.NewFromFloat(weights.Energy).Mul(ear).Mul(lead)).
				Add(decimal.NewFromFloat(weights.MTTR).Mul(lead)).
				Round(4)
		}
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Demoted != b.Demoted {
			return !a.Demoted
		}
		if !a.Demoted {
			if cmp := a.TotalCostEAR.Cmp(b.TotalCostEAR); cmp != 0 {
				return cmp < 0
			}
			if *a.Part.LeadTimeDays != *b.Part.LeadTimeDays {
				return *a.Part.LeadTimeDays < *b.Part.LeadTimeDays
			}
			if cmp := a.Part.Price.Cmp(*b.Part.Price); cmp != 0 {
				return cmp < 0
			}
		}
		return a.Part.SKU < b.Part.SKU
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// BuildBOM selects parts for the scheduled component. Without an EAR rate every
// compatible part is listed unranked; with one, the cheapest total per type is
// recommended and VariantsPerType alternatives are kept alongside it.
func BuildBOM(req BOMRequest, catalog []domain.CatalogPart, weights LossWeights, at time.Time) (domain.BOM, []string, error) {
	component, ok := req.Asset.FindComponent(req.Schedule.ComponentRef)
	if !ok {
		return domain.BOM{}, nil, domain.NotFound("component", req.Schedule.ComponentRef)
	}
	if req.VariantsPerType < 0 {
		return domain.BOM{}, nil, fmt.Errorf("variants_per_type cannot be negative: %w", domain.ErrValidation)
	}
	if req.EARUSDPerDay != nil && req.EARUSDPerDay.IsNegative() {
		return domain.BOM{}, nil, fmt.Errorf("ear_usd_day cannot be negative: %w", domain.ErrValidation)
	}

	parts := Candidates(req.Asset, component, catalog)
	if len(parts) == 0 {
		return domain.BOM{}, nil, domain.NotFound("catalog parts for", component.OEM+" "+component.Model)
	}

	bom := domain.BOM{
		ID:           req.Schedule.ID,
		ScheduleID:   req.Schedule.ID,
		AssetID:      req.Asset.ID,
		ComponentRef: req.Schedule.ComponentRef,
		EARUSDPerDay: req.EARUSDPerDay,
		CreatedAt:    at,
	}

	if req.EARUSDPerDay == nil {
		for _, part := range parts {
			bom.Items = append(bom.Items, toItem(part, component, nil, false))
		}
		return bom, nil, nil
	}

	var ambiguous []string
	for _, group := range groupByType(parts, component.Type) {
		ranked := Rank(group.parts, *req.EARUSDPerDay, weights)
		keep := 1
		if req.VariantsPerType > 0 {
			keep = req.VariantsPerType
		}
		for i, c := range ranked {
			if c.Demoted {
				ambiguous = append(ambiguous, fmt.Sprintf("%s: %v", c.Part.SKU, domain.ErrSelectionAmbiguous))
			}
			if i >= keep {
				continue
			}
			metrics := &domain.SelectionMetrics{Rank: c.Rank, Demoted: c.Demoted}
			if !c.Demoted {
				total, loss := c.TotalCostEAR, c.LossScore
				metrics.TotalCostEAR = &total
				metrics.LossScore = &loss
			}
			item := toItem(c.Part, component, metrics, i == 0)
			item.Type = group.name
			bom.Items = append(bom.Items, item)
		}
	}
	return bom, ambiguous, nil
}

type typeGroup struct {
	name  string
	parts []domain.CatalogPart
}

func groupByType(parts []domain.CatalogPart, fallback string) []typeGroup {
	index := make(map[string]int)
	var groups []typeGroup
	for _, p := range parts {
		name := p.Type
		if name == "" {
			name = fallback
		}
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, typeGroup{name: name})
		}
		groups[i].parts = append(groups[i].parts, p)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

func toItem(part domain.CatalogPart, component domain.Component, metrics *domain.SelectionMetrics, recommended bool) domain.BOMItem {
	qty := part.DefaultQty
	if qty <= 0 {
		qty = 1
	}
	item := domain.BOMItem{
		SKU:          part.SKU,
		OEM:          part.OEM,
		Model:        part.Model,
		Description:  part.Description,
		UOM:          part.UOM,
		Qty:          qty,
		Price:        part.Price,
		LeadTimeDays: part.LeadTimeDays,
		Type:         part.Type,
		Recommended:  recommended,
		Metrics:      metrics,
	}
	if item.Type == "" {
		item.Type = component.Type
	}
	if part.HasIdentity() {
		item.Serial = component.Serial
	}
	return item
}

func tagged(tags []string, assetID, componentType string) bool {
	for _, t := range tags {
		if t == "*" || strings.EqualFold(t, assetID) || strings.EqualFold(t, componentType) {
			return true
		}
	}
	return false
}
