// Package observer hot-reloads the phase definition file. Edits to the
// YAML take effect on the next phase recomputation without a restart.
package observer

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/personadesk/run-orchestrator/internal/phase"
)

// PhaseWatcher monitors the phase definition file and swaps the tables in
// on change.
type PhaseWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	defs     *phase.Definitions
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer

	cancel context.CancelFunc
}

// NewPhaseWatcher creates a watcher for the given phase file. The file's
// directory is watched rather than the file itself: editors commonly
// replace files by rename, which would orphan a direct watch.
func NewPhaseWatcher(path string, defs *phase.Definitions) (*PhaseWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &PhaseWatcher{
		watcher:  watcher,
		path:     path,
		defs:     defs,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching for file changes
func (pw *PhaseWatcher) Start(ctx context.Context) {
	ctx, pw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-pw.watcher.Events:
				if !ok {
					return
				}
				pw.handleEvent(event)
			case err, ok := <-pw.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("observer: watch error: %v", err)
			}
		}
	}()
}

// Stop stops watching for file changes
func (pw *PhaseWatcher) Stop() {
	if pw.cancel != nil {
		pw.cancel()
	}
	pw.watcher.Close()
}

func (pw *PhaseWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounce, pw.reload)
}

// reload parses the file and swaps the tables in. A file that fails to
// parse leaves the previous tables untouched.
func (pw *PhaseWatcher) reload() {
	tables, err := phase.Load(pw.path)
	if err != nil {
		log.Printf("observer: reloading %s: %v", pw.path, err)
		return
	}
	pw.defs.Replace(tables)
	log.Printf("observer: reloaded phase definitions from %s", pw.path)
}

// SetDebounce sets the debounce duration for batching file changes
func (pw *PhaseWatcher) SetDebounce(d time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.debounce = d
}
