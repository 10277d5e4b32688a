package store

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/logging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileBackend feeds a Store from a local YAML snapshot file, reloading on
// fsnotify write/create events with a debounce, mirroring the teacher's
// internal/config/watcher.go.
type FileBackend struct {
	store    *Store
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	version  atomic.Int64
	done     chan struct{}
}

// NewFileBackend loads path once synchronously (returning any validation
// error immediately) and prepares to watch it for further changes.
func NewFileBackend(store *Store, path string) (*FileBackend, error) {
	fb := &FileBackend{
		store:    store,
		path:     path,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}

	if err := fb.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fb.watcher = w
	return fb, nil
}

// Start begins watching the config file's directory for changes. Call
// after NewFileBackend succeeds.
func (fb *FileBackend) Start() error {
	if err := fb.watcher.Add(filepath.Dir(fb.path)); err != nil {
		return err
	}
	go fb.watch()
	return nil
}

func (fb *FileBackend) watch() {
	var debounceTimer *time.Timer
	for {
		select {
		case <-fb.done:
			return
		case event, ok := <-fb.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(fb.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(fb.debounce, func() {
				if err := fb.reload(); err != nil {
					logging.Error("failed to reload config file", zap.Error(err))
					fb.store.setHealthy(false, err)
				}
			})
		case err, ok := <-fb.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config file watcher error", zap.Error(err))
			fb.store.setHealthy(false, err)
		}
	}
}

func (fb *FileBackend) reload() error {
	v := fb.version.Add(1)
	f, err := config.LoadFile(fb.path, v)
	if err != nil {
		return err
	}
	fb.store.ApplyFile(f)
	fb.store.setHealthy(true, nil)
	logging.Info("configuration reloaded from file", zap.String("path", fb.path), zap.Int64("version", v))
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (fb *FileBackend) Stop() error {
	close(fb.done)
	if fb.watcher != nil {
		return fb.watcher.Close()
	}
	return nil
}
