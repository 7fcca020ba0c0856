package inputs

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates cached reference data whenever assets, catalog or
// taxonomy files change under the source directory. It blocks until ctx is
// cancelled. onReload, when set, receives the base name of each reloaded file.
func (s *FileSource) Watch(ctx context.Context, onReload func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file inode.
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	s.logger.Info().Str("dir", s.dir).Msg("watching inputs for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			name := filepath.Base(event.Name)
			switch name {
			case AssetsFile, CatalogFile, TaxonomyFile:
			default:
				continue
			}

			s.Invalidate(name)
			s.logger.Info().Str("file", name).Str("op", event.Op.String()).Msg("inputs reloaded")
			if onReload != nil {
				onReload(name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("inputs watcher error")
		}
	}
}
