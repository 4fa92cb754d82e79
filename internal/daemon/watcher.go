package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MarkerWatcher reports writes to the change marker another process touches
// after each commit. Bursts of writes within the debounce interval are
// reported once.
type MarkerWatcher struct {
	watcher  *fsnotify.Watcher
	changes  chan struct{}
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	path     string
	debounce time.Duration
}

// NewMarkerWatcher creates a watcher for the marker file at path.
// The watcher must be started with Start() before it reports changes.
func NewMarkerWatcher(path string, debounce time.Duration) (*MarkerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &MarkerWatcher{
		watcher:  watcher,
		changes:  make(chan struct{}, 1),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		path:     filepath.Clean(path),
		debounce: debounce,
	}, nil
}

// Start begins watching. The marker's directory is watched rather than the
// file itself so that a marker created after Start is still seen.
func (mw *MarkerWatcher) Start() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(mw.path)
	if err := mw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	mw.running = true
	mw.wg.Add(1)
	go mw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event goroutine has exited.
func (mw *MarkerWatcher) Stop() error {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return nil
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.done)

	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	mw.wg.Wait()

	close(mw.changes)
	close(mw.errors)
	return nil
}

// Changes receives one value per debounced burst of marker writes.
// This channel is closed when the watcher is stopped.
func (mw *MarkerWatcher) Changes() <-chan struct{} {
	return mw.changes
}

// Errors returns the channel that emits watcher errors.
// This channel is closed when the watcher is stopped.
func (mw *MarkerWatcher) Errors() <-chan error {
	return mw.errors
}

func (mw *MarkerWatcher) processEvents() {
	defer mw.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if !mw.isMarkerWrite(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(mw.debounce)
			} else {
				timer.Reset(mw.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			// A pending notification already covers this burst.
			select {
			case mw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case mw.errors <- err:
			case <-mw.done:
				return
			default:
			}
		}
	}
}

func (mw *MarkerWatcher) isMarkerWrite(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != mw.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write) != 0
}
