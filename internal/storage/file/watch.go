package file

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the data directory for edits made outside the process
// (operator fixes, seed scripts) and reports the affected class ids so the
// store and the schema registry can drop stale cached state.
type Watcher struct {
	fw     *fsnotify.Watcher
	done   chan struct{}
	logger *slog.Logger
}

// debounce window collapses the write+rename bursts editors produce.
const debounce = 250 * time.Millisecond

// Watch starts a watcher on the store's directory. onChange is called with
// the class id of each changed file; it must be safe for concurrent use.
func (s *Store) Watch(logger *slog.Logger, onChange func(classID string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(s.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{fw: fw, done: make(chan struct{}), logger: logger}
	s.watcher = w

	go func() {
		pending := make(map[string]time.Time)
		ticker := time.NewTicker(debounce)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				pending[ev.Name] = time.Now()
			case <-ticker.C:
				now := time.Now()
				for name, at := range pending {
					if now.Sub(at) < debounce {
						continue
					}
					delete(pending, name)
					classID := ClassIDFromPath(name)
					if classID == "" {
						continue
					}
					s.Invalidate(classID)
					logger.Debug("data file changed on disk",
						slog.String("class", classID),
						slog.String("file", name),
					)
					if onChange != nil {
						onChange(classID)
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("data directory watch error", slog.String("error", err.Error()))
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fw.Close()
}
