package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ooda-engine/internal/domain"
)

// Stage groups artifacts written by one pipeline step.
type Stage string

// Artifact stages. Findings are further partitioned per asset, see FindingsOf.
const (
	StageFindings    Stage = "findings"
	StageDiagnostics Stage = "diagnostics"
	StageRisk        Stage = "risk"
	StageSchedule    Stage = "schedule"
	StageBOMs        Stage = "boms"
	StageOrders      Stage = "orders"
	StageTracking    Stage = "tracking"
)

// SubscribersID is the single tracking artifact.
const SubscribersID = "subscribers"

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInvalidKey rejects stage or id values that would escape the layout.
	ErrInvalidKey = errors.New("storage: invalid artifact key")
)

// FindingsOf returns the per-asset findings stage.
func FindingsOf(assetID string) Stage {
	return Stage(string(StageFindings) + "/" + assetID)
}

// ArtifactStore persists JSON artifacts by stage and id. Put must be atomic:
// readers see either the previous record or the new one, never a partial write.
type ArtifactStore interface {
	Put(ctx context.Context, stage Stage, id string, v any) error
	Get(ctx context.Context, stage Stage, id string, out any) error
	List(ctx context.Context, stage Stage) ([]string, error)
	Close() error
}

// Exists reports whether an artifact is present.
func Exists(ctx context.Context, s ArtifactStore, stage Stage, id string) (bool, error) {
	var raw json.RawMessage
	err := s.Get(ctx, stage, id, &raw)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func validateKey(stage Stage, id string) error {
	if stage == "" || id == "" {
		return fmt.Errorf("%w: empty stage or id", ErrInvalidKey)
	}
	for _, part := range strings.Split(string(stage), "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `\`) {
			return fmt.Errorf("%w: stage %q", ErrInvalidKey, stage)
		}
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: id %q", ErrInvalidKey, id)
	}
	return nil
}

func notFound(stage Stage, id string) error {
	return domain.NotFound(string(stage), id)
}
