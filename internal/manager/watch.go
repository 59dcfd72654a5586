package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/models"
)

const DefaultDebounce = 250 * time.Millisecond

// templateOwners maps each template file in use to the adapters loading it.
func (m *Manager) templateOwners() map[string][]models.AdapterKey {
	owners := make(map[string][]models.AdapterKey)
	for _, e := range m.cfg.Registry.List() {
		r := e.Impl.Retriever
		if r == nil {
			continue
		}
		for _, f := range r.TemplateFiles() {
			path, err := filepath.Abs(m.resolve(f))
			if err != nil {
				continue
			}
			owners[path] = append(owners[path], e.Key())
		}
	}
	return owners
}

// WatchTemplates reloads the owning adapters whenever a template file
// changes. Editors write files in bursts, so changes are batched until the
// debounce window passes quietly. It blocks until ctx is done.
func (m *Manager) WatchTemplates(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]bool)
	owners := m.templateOwners()
	watchDirs := func() {
		for path := range owners {
			dir := filepath.Dir(path)
			if watched[dir] {
				continue
			}
			// Directories, not files: atomic saves replace the inode.
			if err := w.Add(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("cannot watch template directory")
				continue
			}
			watched[dir] = true
		}
	}
	watchDirs()
	log.Info().Int("files", len(owners)).Msg("watching template files")

	pending := make(map[models.AdapterKey]bool)
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			keys := owners[path]
			if len(keys) == 0 {
				continue
			}
			log.Debug().Str("file", path).Str("op", ev.Op.String()).Msg("template file changed")
			for _, k := range keys {
				pending[k] = true
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("template watcher error")

		case <-timer.C:
			for k := range pending {
				if _, err := m.reload(ctx, k, false); err != nil {
					log.Error().Err(err).Str("adapter", k.String()).Msg("template reload failed")
				}
				delete(pending, k)
			}
			owners = m.templateOwners()
			watchDirs()
		}
	}
}
