package act

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"ooda-engine/internal/domain"
)

// orderNamespace seeds deterministic order ids so retries reuse the same id.
var orderNamespace = uuid.MustParse("6f1c1b7e-4d0a-4a57-9b5e-8f0c2b9a7d31")

// OrderID derives the order id from the BOM id.
func OrderID(bomID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(bomID)).String()
}

// Validate checks every identity-bearing BOM item against the asset's components.
// It returns every mismatch, not just the first.
func Validate(bom domain.BOM, asset domain.Asset) []domain.Mismatch {
	var mismatches []domain.Mismatch
	if bom.AssetID != "" && bom.AssetID != asset.ID {
		mismatches = append(mismatches, domain.Mismatch{Reason: "bom belongs to asset " + bom.AssetID})
	}
	for _, item := range bom.Items {
		if !item.HasIdentity() {
			continue
		}
		if reason, ok := resolve(item, asset.Components); !ok {
			mismatches = append(mismatches, domain.Mismatch{
				SKU:    item.SKU,
				OEM:    item.OEM,
				Model:  item.Model,
				Serial: item.Serial,
				Reason: reason,
			})
		}
	}
	return mismatches
}

// CreateOrder validates the BOM and returns an order referencing it verbatim.
// Any mismatch rejects the whole order.
func CreateOrder(bom domain.BOM, asset domain.Asset, at time.Time) (domain.Order, error) {
	if mismatches := Validate(bom, asset); len(mismatches) > 0 {
		return domain.Order{}, &domain.MismatchError{BOMID: bom.ID, AssetID: asset.ID, Items: mismatches}
	}
	return domain.Order{
		ID:        OrderID(bom.ID),
		BOMID:     bom.ID,
		AssetID:   asset.ID,
		Status:    domain.OrderSubmitted,
		Items:     len(bom.Items),
		CreatedAt: at,
	}, nil
}

func resolve(item domain.BOMItem, components []domain.Component) (string, bool) {
	modelSeen := false
	for _, c := range components {
		if !strings.EqualFold(c.OEM, item.OEM) || !strings.EqualFold(c.Model, item.Model) {
			continue
		}
		modelSeen = true
		if item.Serial == "" || c.Serial == item.Serial {
			return "", true
		}
	}
	if modelSeen {
		return "serial " + item.Serial + " not installed", false
	}
	return "no installed " + item.OEM + " " + item.Model, false
}
