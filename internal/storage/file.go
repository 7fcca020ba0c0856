package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const artifactExt = ".json"

// FileStore lays artifacts out as <root>/<stage>/<id>.json.
type FileStore struct {
	root string
}

// NewFileStore prepares the root directory.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("storage: file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Put writes to a temp file in the target directory, syncs it and renames it
// over the destination.
func (s *FileStore) Put(ctx context.Context, stage Stage, id string, v any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", stage, id, err)
	}

	dir := s.stageDir(stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, s.path(stage, id)); err != nil {
		cleanup()
		return fmt.Errorf("rename artifact %s/%s: %w", stage, id, err)
	}
	return nil
}

// Get decodes the artifact into out.
func (s *FileStore) Get(ctx context.Context, stage Stage, id string, out any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := os.ReadFile(s.path(stage, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(stage, id)
		}
		return fmt.Errorf("read artifact %s/%s: %w", stage, id, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode artifact %s/%s: %w", stage, id, err)
	}
	return nil
}

// List returns the ids stored under a stage in lexical order.
func (s *FileStore) List(ctx context.Context, stage Stage) ([]string, error) {
	if err := validateKey(stage, "list"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.stageDir(stage))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list stage %s: %w", stage, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, artifactExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) stageDir(stage Stage) string {
	return filepath.Join(s.root, filepath.FromSlash(string(stage)))
}

func (s *FileStore) path(stage Stage, id string) string {
	return filepath.Join(s.stageDir(stage), id+artifactExt)
}

var _ ArtifactStore = (*FileStore)(nil)
