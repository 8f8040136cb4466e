package domainlists

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/admitrievsky/freeroute/internal/matcher"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads manual lists when their backing files change on
// disk, so hand edits take effect without a restart. Events are
// debounced per file; reloads triggered by our own dumps are harmless
// because Load never marks the matcher dirty.
type Watcher struct {
	fs    *fsnotify.Watcher
	lists map[string]*matcher.PersistentMatcher // abs path -> matcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher builds a watcher over every manual list file.
func (r *Registry) NewWatcher() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:     fs,
		lists:  make(map[string]*matcher.PersistentMatcher),
		timers: make(map[string]*time.Timer),
	}

	dirs := map[string]struct{}{}

	for _, pm := range r.ManualMatchers() {
		abs, err := filepath.Abs(pm.Path())
		if err != nil {
			abs = pm.Path()
		}

		w.lists[abs] = pm
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	// watch containing directories: editors and atomic renames replace
	// the file inode
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			_ = fs.Close()

			return nil, err
		}
	}

	return w, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				abs = ev.Name
			}

			if pm, ok := w.lists[abs]; ok {
				w.scheduleReload(ctx, abs, pm)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}

			zerolog.Ctx(ctx).Warn().Err(err).Msg("domain list watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context, path string, pm *matcher.PersistentMatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}

	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		if err := pm.Load(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file", path).Msg("manual list reload failed")

			return
		}

		zerolog.Ctx(ctx).Info().Str("file", path).Msg("manual list reloaded from disk")
	})
}
