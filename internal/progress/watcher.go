// Package progress implements the one exception to the orchestrator's
// single-writer discipline (spec.md §5): a read-only tail of a run's
// ledger file, rebroadcast over a websocket hub for the external
// dashboard (itself out of scope). Grounded on teacher
// internal/observer/planwatcher.go's fsnotify debounce loop and
// web/api/sse.go's hub/broadcast shape, swapped from SSE to
// gorilla/websocket.
package progress

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// LedgerReader is the narrow read surface a LedgerWatcher needs; the
// real internal/ledger.Ledger satisfies it via ReadAll.
type LedgerReader interface {
	ReadAll() ([]domain.LedgerEntry, error)
}

// NewEntryCallback is invoked with only the entries appended since the
// last call, in append order.
type NewEntryCallback func(runID string, entries []domain.LedgerEntry)

// LedgerWatcher tails one run's ledger file and reports newly appended
// entries, debouncing rapid successive writes the same way
// planwatcher.go debounces plan-file edits.
type LedgerWatcher struct {
	watcher  *fsnotify.Watcher
	reader   LedgerReader
	runID    string
	path     string
	callback NewEntryCallback
	debounce time.Duration

	mu      sync.Mutex
	seen    int
	timer   *time.Timer
	cancelC chan struct{}
}

// NewLedgerWatcher watches the directory containing path (fsnotify
// requires watching a directory, not a single file, to survive
// rename-based editors) and reports new entries decoded via reader.
func NewLedgerWatcher(runID, path string, reader LedgerReader, callback NewEntryCallback) (*LedgerWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	return &LedgerWatcher{
		watcher:  w,
		reader:   reader,
		runID:    runID,
		path:     path,
		callback: callback,
		debounce: 250 * time.Millisecond,
		cancelC:  make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine. Stop must be called
// to release the fsnotify watch.
func (w *LedgerWatcher) Start() {
	// Report whatever is already on disk before watching for more, so a
	// dashboard attaching mid-run sees the backlog immediately.
	w.flush()

	go func() {
		for {
			select {
			case <-w.cancelC:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.scheduleFlush()
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop ends the watch and releases the fsnotify handle.
func (w *LedgerWatcher) Stop() {
	close(w.cancelC)
	w.watcher.Close()
}

func (w *LedgerWatcher) scheduleFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *LedgerWatcher) flush() {
	entries, err := w.reader.ReadAll()
	if err != nil {
		return
	}

	w.mu.Lock()
	fresh := entries[min(w.seen, len(entries)):]
	w.seen = len(entries)
	w.mu.Unlock()

	if len(fresh) > 0 && w.callback != nil {
		w.callback(w.runID, fresh)
	}
}
