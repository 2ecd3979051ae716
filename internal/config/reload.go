package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	ReloadSignal = "signal"
	ReloadFile   = "file"
	ReloadManual = "manual"
)

// settleDelay lets an editor or our own Persist finish before the file is
// compared against the last seen state.
const settleDelay = 200 * time.Millisecond

// ReloadEvent asks the owner of the Store to re-read the document.
type ReloadEvent struct {
	Reason string
}

// ReloadSource turns SIGHUP and document changes on disk into events on one
// channel. Pending events coalesce; a burst of triggers yields one reload.
// Changes are seen through an fsnotify watch on the document's directory,
// which also catches rename-over saves. Polling at the configured interval
// stays on as a fallback for filesystems without notifications.
type ReloadSource struct {
	path     string
	interval time.Duration
	events   chan ReloadEvent

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

func NewReloadSource(path string, interval time.Duration) *ReloadSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	r := &ReloadSource{
		path:     path,
		interval: interval,
		events:   make(chan ReloadEvent, 1),
	}
	r.Sync()
	return r
}

func (r *ReloadSource) Events() <-chan ReloadEvent {
	return r.events
}

// Trigger queues an event unless one is already pending.
func (r *ReloadSource) Trigger(reason string) {
	select {
	case r.events <- ReloadEvent{Reason: reason}:
	default:
	}
}

// Sync records the current file state as seen, so the daemon's own writes do
// not come back as reload events.
func (r *ReloadSource) Sync() {
	if r.path == "" {
		return
	}
	info, err := os.Stat(r.path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.modTime, r.size = time.Time{}, 0
		return
	}
	r.modTime, r.size = info.ModTime(), info.Size()
}

func (r *ReloadSource) changed() bool {
	if r.path == "" {
		return false
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return false
	}
	r.modTime, r.size = info.ModTime(), info.Size()
	return true
}

// watch opens a watcher on the document directory. It returns nil when
// notifications are unavailable; polling still covers that case.
func (r *ReloadSource) watch() *fsnotify.Watcher {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("document watcher unavailable, polling only")
		return nil
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("document watch failed, polling only")
		_ = w.Close()
		return nil
	}
	return w
}

// Run blocks until ctx is done.
func (r *ReloadSource) Run(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
		settle   <-chan time.Time
	)
	if w := r.watch(); w != nil {
		defer w.Close()
		fsEvents, fsErrors = w.Events, w.Errors
	}
	target := filepath.Clean(r.path)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			r.Trigger(ReloadSignal)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(settleDelay)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Warn().Err(err).Msg("document watcher error")
		case <-settle:
			settle = nil
			if r.changed() {
				r.Trigger(ReloadFile)
			}
		case <-ticker.C:
			if r.changed() {
				r.Trigger(ReloadFile)
			}
		}
	}
}
