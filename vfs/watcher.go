package vfs

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/studio-core/logger"
)

// watchDebounce batches filesystem event bursts (npm install touches
// thousands of paths) into a single refresh.
const watchDebounce = 250 * time.Millisecond

// Watcher accelerates reconciliation for local runtimes: instead of
// waiting for the next poll, filesystem events trigger a debounced tree
// refresh. The polling Reconciler stays on as the fallback — fsnotify
// can drop events under load.
type Watcher struct {
	service *Service
	root    string
	log     *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWatcher creates a watcher over the workspace directory backing the
// service's runtime.
func NewWatcher(service *Service, root string) *Watcher {
	return &Watcher{
		service: service,
		root:    root,
		log:     logger.WithComponent("vfs-watch"),
	}
}

// Start begins watching. The workspace directory and its visible
// subdirectories are registered; directories created later are picked up
// after each refresh.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addDirs(); err != nil {
		fsw.Close()
		w.fsw = nil
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx, fsw)
	}()
	w.log.Debug("watcher started", "root", w.root)
	return nil
}

// Stop halts the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	fsw := w.fsw
	w.cancel = nil
	w.fsw = nil
	w.mu.Unlock()

	cancel()
	fsw.Close()
	w.wg.Wait()
	w.log.Debug("watcher stopped")
}

// addDirs registers the root and all visible subdirectories.
func (w *Watcher) addDirs() error {
	return filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // directory may have vanished mid-walk
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && skipWatch(d.Name()) {
			return filepath.SkipDir
		}
		w.fsw.Add(p)
		return nil
	})
}

func skipWatch(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if skipWatch(filepath.Base(ev.Name)) {
				continue
			}
			// Reset the debounce window on every relevant event
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.refresh(ctx)
		}
	}
}

// refresh re-reads the tree and re-registers directories so newly
// created folders are watched too.
func (w *Watcher) refresh(ctx context.Context) {
	changed, err := w.service.Refresh(ctx)
	if err != nil {
		w.log.Warn("refresh after watch event failed", "error", err)
		return
	}

	w.mu.Lock()
	if w.fsw != nil {
		w.addDirs()
	}
	w.mu.Unlock()

	if changed {
		w.service.notify()
	}
}
