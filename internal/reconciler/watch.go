package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses bursts of filesystem events into one nudge.
const DefaultDebounce = 500 * time.Millisecond

// watcher turns filesystem changes under the models directory and to the
// declared document into debounced nudges. It only shortens the wait between
// ticks; the poll interval still bounds convergence when events are missed.
type watcher struct {
	fs        *fsnotify.Watcher
	docPath   string
	modelsDir string
	debounce  time.Duration
	log       zerolog.Logger
	nudge     chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	watched map[string]bool
}

func newWatcher(docPath, modelsDir string, debounce time.Duration, log zerolog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &watcher{
		fs:        fw,
		docPath:   filepath.Clean(docPath),
		modelsDir: filepath.Clean(modelsDir),
		debounce:  debounce,
		log:       log,
		nudge:     make(chan struct{}, 1),
		watched:   make(map[string]bool),
	}, nil
}

// add starts watching dir. Missing directories are skipped and retried on the
// next call.
func (w *watcher) add(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.log.Debug().Err(err).Str("path", dir).Msg("watch event=add_skipped")
		return
	}
	w.watched[dir] = true
	w.log.Debug().Str("path", dir).Msg("watch event=added")
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch event=error")
		}
	}
}

func (w *watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(ev.Name)
	// Temp files from atomic writes live next to the document.
	if dir := filepath.Dir(name); dir == filepath.Dir(w.docPath) && dir != w.modelsDir && name != w.docPath {
		return false
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.watched, name)
		w.mu.Unlock()
	}
	return true
}

func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.nudge <- struct{}{}:
		default:
		}
	})
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}
