package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher watches the store file for writes and forces a snapshot reload.
// Supplementary to the per-HTLC marker poll: the poll is the staleness
// guarantee, the watcher just tightens latency when the management CLI edits
// the store between forwards.
type Watcher struct {
	watcher *fsnotify.Watcher
	cache   *Cache
}

// NewWatcher creates a file watcher for the store at dbPath. The WAL sidecar
// is watched too when present, since under journal_mode=WAL most writes land
// there first.
func NewWatcher(cache *Cache, dbPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create store watcher: %w", err)
	}

	if err := watcher.Add(dbPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", dbPath, err)
	}
	wal := dbPath + "-wal"
	if _, err := os.Stat(wal); err == nil {
		if err := watcher.Add(wal); err != nil {
			log.Warnf("store watcher: cannot watch %q: %v", wal, err)
		}
	}

	return &Watcher{watcher: watcher, cache: cache}, nil
}

// Run watches for store writes and reloads the snapshot. Blocks until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// Debounce: wait 500ms after the last write before reloading.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, w.cache.Reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("store watcher: %v", err)
		}
	}
}
