package connectivity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSignal forces the monitor offline while a marker file exists. It lets
// an operator put a device into airplane mode with `touch`.
type FileSignal struct {
	watcher *fsnotify.Watcher
	monitor *Monitor
	path    string
	logger  *log.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSignal creates a signal for the marker at path.
// It must be started with Start() before it reacts to changes.
func NewFileSignal(path string, monitor *Monitor, logger *log.Logger) (*FileSignal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to resolve marker path: %w", err)
	}
	return &FileSignal{
		watcher: watcher,
		monitor: monitor,
		path:    abs,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start applies the marker's current presence and watches its directory.
func (fs *FileSignal) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("file signal already running")
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	if err := fs.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch marker directory %s: %w", dir, err)
	}

	_, err := os.Stat(fs.path)
	fs.monitor.ForceOffline(err == nil)

	fs.running = true
	fs.wg.Add(1)
	go fs.processEvents()
	return nil
}

// Stop stops watching. The override is left as it was.
func (fs *FileSignal) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return fs.watcher.Close()
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)
	if err := fs.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fs.wg.Wait()
	return nil
}

// Path returns the absolute marker path.
func (fs *FileSignal) Path() string {
	return fs.path
}

func (fs *FileSignal) processEvents() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				fs.logger.Printf("Offline marker %s present, forcing offline", fs.path)
				fs.monitor.ForceOffline(true)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				fs.logger.Printf("Offline marker %s removed", fs.path)
				fs.monitor.ForceOffline(false)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("Watcher error: %v", err)
		}
	}
}
