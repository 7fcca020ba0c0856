package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a missing asset, artifact or catalog entry.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks a malformed input record or request.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientData means too few samples for a meaningful score.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrSelectionAmbiguous flags a BOM candidate missing ranking fields.
	ErrSelectionAmbiguous = errors.New("selection ambiguous")
	// ErrCompatibilityMismatch rejects an order whose items do not match the asset.
	ErrCompatibilityMismatch = errors.New("compatibility mismatch")
	// ErrUnscheduled means a work item did not fit into the requested window.
	ErrUnscheduled = errors.New("work item could not be scheduled")
)

// NotFound wraps ErrNotFound with the artifact kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Mismatch describes one BOM item that failed order validation.
type Mismatch struct {
	SKU    string `json:"sku"`
	OEM    string `json:"oem"`
	Model  string `json:"model"`
	Serial string `json:"serial,omitempty"`
	Reason string `json:"reason"`
}

// MismatchError lists every item that blocked order creation.
type MismatchError struct {
	BOMID   string
	AssetID string
	Items   []Mismatch
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, m := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.SKU, m.Reason))
	}
	return fmt.Sprintf("bom %s does not match asset %s: %s", e.BOMID, e.AssetID, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrCompatibilityMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrCompatibilityMismatch
}
