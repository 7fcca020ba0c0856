package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"ooda-engine/internal/config"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/storage"
)

// New resolves the backend named by cfg.Backend.Kind and prepares its store.
func New(ctx context.Context, cfg *config.Config, source inputs.Source, logger zerolog.Logger) (Handle, error) {
	store, err := openStore(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("backend", cfg.Backend.Kind).Msg("artifact store ready")
	return NewEngine(cfg.Backend.Kind, store, source, OptionsFromConfig(cfg), logger), nil
}

func openStore(ctx context.Context, cfg config.BackendConfig) (storage.ArtifactStore, error) {
	switch cfg.Kind {
	case config.BackendFile:
		return storage.NewFileStore(cfg.RootDir)

	case config.BackendEnhanced:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		store, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	case config.BackendPostgres:
		pool, err := storage.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := storage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
