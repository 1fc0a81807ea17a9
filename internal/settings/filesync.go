package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tubeprompt/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileSync mirrors a YAML settings file into the store. The file holds a
// partial patch; keys it omits keep their stored values.
type FileSync struct {
	mu          sync.Mutex
	store       *Store
	path        string
	watcher     *fsnotify.Watcher
	debounceDur time.Duration
	pendingAt   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// OnApply is called after every successful apply. Optional.
	OnApply func(Settings)
}

// NewFileSync creates a FileSync for path. The file need not exist yet.
func NewFileSync(store *Store, path string) (*FileSync, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileSync{
		store:       store,
		path:        filepath.Clean(path),
		watcher:     w,
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// LoadPatch reads a YAML patch from path.
func LoadPatch(path string) (Patch, error) {
	var p Patch
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// Apply reads the file once and saves it into the store. A missing file is
// not an error.
func (fs *FileSync) Apply(ctx context.Context) (Settings, error) {
	p, err := LoadPatch(fs.path)
	if os.IsNotExist(err) {
		return fs.store.Settings(ctx), nil
	}
	if err != nil {
		logging.SettingsWarn("Ignoring settings file %s: %v", fs.path, err)
		return fs.store.Settings(ctx), err
	}
	if p.IsEmpty() {
		return fs.store.Settings(ctx), nil
	}
	s, err := fs.store.SaveSettings(ctx, p)
	if err != nil {
		return s, err
	}
	logging.Get(logging.CategorySettings).Info("Applied settings file %s", fs.path)
	if fs.OnApply != nil {
		fs.OnApply(s)
	}
	return s, nil
}

// Start watches the file's directory and applies every change after a short
// debounce. Non-blocking.
func (fs *FileSync) Start(ctx context.Context) error {
	fs.mu.Lock()
	if fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = true
	fs.mu.Unlock()

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.SettingsWarn("Failed to create settings dir %s: %v", dir, err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := fs.watcher.Add(dir); err != nil {
		fs.mu.Lock()
		fs.running = false
		fs.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go fs.run(ctx)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (fs *FileSync) Stop() {
	fs.mu.Lock()
	running := fs.running
	fs.running = false
	fs.mu.Unlock()

	if running {
		close(fs.stopCh)
		<-fs.doneCh
	}
	if err := fs.watcher.Close(); err != nil {
		logging.SettingsWarn("Error closing settings watcher: %v", err)
	}
}

func (fs *FileSync) run(ctx context.Context) {
	defer close(fs.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fs.stopCh:
			return
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fs.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			fs.mu.Lock()
			fs.pendingAt = time.Now()
			fs.mu.Unlock()
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			logging.SettingsWarn("Settings watcher error: %v", err)
		case <-ticker.C:
			fs.mu.Lock()
			due := !fs.pendingAt.IsZero() && time.Since(fs.pendingAt) >= fs.debounceDur
			if due {
				fs.pendingAt = time.Time{}
			}
			fs.mu.Unlock()
			if due {
				_, _ = fs.Apply(ctx)
			}
		}
	}
}
