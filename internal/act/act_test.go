package act

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooda-engine/internal/domain"
)

var at = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testAsset() domain.Asset {
	return domain.Asset{
		ID: "inv-1",
		Components: []domain.Component{
			{OEM: "SolarEdge", Model: "SE100K", Serial: "SN123", Type: "inverter"},
			{OEM: "Delta", Model: "F12", Type: "fan"},
		},
	}
}

func TestCreateOrderAcceptsMatchingBOM(t *testing.T) {
	bom := domain.BOM{
		ID:      "b1",
		AssetID: "inv-1",
		Items: []domain.BOMItem{
			{SKU: "A", OEM: "SolarEdge", Model: "SE100K", Serial: "SN123"},
			{SKU: "FAN", OEM: "delta", Model: "f12"},
			{SKU: "FUSE-10"},
		},
	}

	order, err := CreateOrder(bom, testAsset(), at)
	require.NoError(t, err)
	assert.Equal(t, OrderID("b1"), order.ID)
	assert.Equal(t, "b1", order.BOMID)
	assert.Equal(t, domain.OrderSubmitted, order.Status)
	assert.Equal(t, 3, order.Items)
	assert.Equal(t, at, order.CreatedAt)
}

func TestCreateOrderRejectsUnknownSerial(t *testing.T) {
	bom := domain.BOM{
		ID:      "b1",
		AssetID: "inv-1",
		Items:   []domain.BOMItem{{SKU: "A", OEM: "SolarEdge", Model: "SE100K", Serial: "SN999"}},
	}

	_, err := CreateOrder(bom, testAsset(), at)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCompatibilityMismatch)

	var mismatch *domain.MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Len(t, mismatch.Items, 1)
	assert.Equal(t, "SN999", mismatch.Items[0].Serial)
	assert.Contains(t, mismatch.Items[0].Reason, "serial SN999 not installed")
}

func TestCreateOrderListsEveryMismatch(t *testing.T) {
	items := make([]domain.BOMItem, 0, 10)
	items = append(items, domain.BOMItem{SKU: "BAD", OEM: "Huawei", Model: "SUN2000"})
	for i := 0; i < 9; i++ {
		items = append(items, domain.BOMItem{SKU: fmt.Sprintf("OK-%d", i), OEM: "SolarEdge", Model: "SE100K", Serial: "SN123"})
	}

	_, err := CreateOrder(domain.BOM{ID: "b2", AssetID: "inv-1", Items: items}, testAsset(), at)
	var mismatch *domain.MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Len(t, mismatch.Items, 1)
	assert.Equal(t, "BAD", mismatch.Items[0].SKU)
	assert.Contains(t, mismatch.Items[0].Reason, "no installed Huawei SUN2000")

	items = append(items, domain.BOMItem{SKU: "BAD-2", OEM: "SolarEdge", Model: "SE100K", Serial: "SN000"})
	assert.Len(t, Validate(domain.BOM{AssetID: "inv-1", Items: items}, testAsset()), 2)
}

func TestValidateRejectsForeignBOM(t *testing.T) {
	mismatches := Validate(domain.BOM{ID: "b3", AssetID: "inv-2"}, testAsset())
	require.Len(t, mismatches, 1)
	assert.Contains(t, mismatches[0].Reason, "inv-2")
}

func TestOrderIDDeterministic(t *testing.T) {
	assert.Equal(t, OrderID("b1"), OrderID("b1"))
	assert.NotEqual(t, OrderID("b1"), OrderID("b2"))
	assert.Len(t, OrderID("b1"), 36)
}

func TestSubscribeUpserts(t *testing.T) {
	subs, sub, err := Subscribe(nil, " Ops@Example.com ", "job-2", at)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", sub.Email)
	assert.Equal(t, TrackingActive, sub.Status)
	require.Len(t, subs, 1)

	subs, _, err = Subscribe(subs, "field@example.com", "job-1", at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "job-1", subs[0].JobID)

	subs, sub, err = Subscribe(subs, "ops@example.com", "job-2", at.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, at, sub.CreatedAt)
}

func TestSubscribeRequiresFields(t *testing.T) {
	_, _, err := Subscribe(nil, "", "job-1", at)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = Subscribe(nil, "ops@example.com", "  ", at)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
