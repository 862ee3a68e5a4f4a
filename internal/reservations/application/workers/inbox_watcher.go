package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// DefaultInboxDebounce is how long the watcher waits for a burst of drops
// to settle before triggering a pass.
const DefaultInboxDebounce = 2 * time.Second

// Triggerer accepts pass requests.
type Triggerer interface {
	Trigger(reason string)
}

// InboxWatcher triggers a pass when exports are dropped into a directory.
type InboxWatcher struct {
	dir      string
	target   Triggerer
	debounce time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewInboxWatcher creates a watcher for dir. A debounce of zero uses
// DefaultInboxDebounce.
func NewInboxWatcher(dir string, target Triggerer, debounce time.Duration, logger *slog.Logger) *InboxWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultInboxDebounce
	}
	return &InboxWatcher{dir: dir, target: target, debounce: debounce, logger: logger}
}

// Run watches the directory until ctx is cancelled.
func (w *InboxWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("inbox watcher started", "dir", w.dir, "debounce", w.debounce)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]bool)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			pending[filepath.Base(ev.Name)] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", observability.ErrorKey, err)
		case <-fire:
			fire = nil
			files := make([]string, 0, len(pending))
			for name := range pending {
				files = append(files, name)
			}
			sort.Strings(files)
			clear(pending)
			w.logger.Info("inbox drop detected", "files", files)
			w.target.Trigger("inbox")
		}
	}
}

// IsRunning reports whether the directory is being watched.
func (w *InboxWatcher) IsRunning() bool {
	return w.running.Load()
}

// relevant skips hidden files and partial uploads.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Base(ev.Name)
	return !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, "~")
}
