// Package watch repairs interactive documents as they change on disk. A
// filesystem watcher feeds a debounce map so rapid saves collapse into one
// repair, and settled files run through the orchestrator one at a time.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"interfix/internal/document"
	"interfix/internal/repair"
)

// Runner repairs one named document. *repair.Orchestrator satisfies it.
type Runner interface {
	RunNamed(ctx context.Context, name string, doc document.Document) (repair.Result, error)
}

// Config controls what the watcher looks at and where repairs land.
type Config struct {
	// Dir is the directory whose HTML files are watched.
	Dir string
	// InPlace writes repaired markup back over the source file. When false
	// the repaired copy lands next to the source under OutSuffix.
	InPlace bool
	// OutSuffix names repaired copies, ".repaired.html" by default.
	OutSuffix string
	// Debounce is how long a file must stay quiet before repair starts,
	// 500ms by default.
	Debounce time.Duration
}

// Stats tracks watcher activity.
type Stats struct {
	FilesCreated   int       `json:"files_created"`
	FilesModified  int       `json:"files_modified"`
	FilesRemoved   int       `json:"files_removed"`
	RepairsStarted int       `json:"repairs_started"`
	Passed         int       `json:"passed"`
	Failed         int       `json:"failed"`
	Errors         int       `json:"errors"`
	LastEventTime  time.Time `json:"last_event_time"`
	LastEventPath  string    `json:"last_event_path"`
	LastEventType  string    `json:"last_event_type"`
}

// Watcher drives repair runs from filesystem events.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	runner      Runner
	cfg         Config
	logger      *zap.Logger
	debounceMap map[string]time.Time
	selfWrites  map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// New creates a watcher over cfg.Dir. Nothing runs until Start.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Watcher, error) {
	if runner == nil {
		return nil, errors.New("watch: runner is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("watch: directory is required")
	}
	if cfg.OutSuffix == "" {
		cfg.OutSuffix = ".repaired.html"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		runner:      runner,
		cfg:         cfg,
		logger:      logger.Named("watch"),
		debounceMap: make(map[string]time.Time),
		selfWrites:  make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.cfg.Dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching directory", zap.String("dir", w.cfg.Dir))

	go w.run(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the event loop to drain. Safe
// to call whether or not Start ran; a stopped watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("error closing watcher", zap.Error(err))
	}
	if running {
		w.logger.Info("watcher stopped")
	}
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a copy of the current statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

// handleEvent records one filesystem event for debounced processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.wantsFile(event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		eventType = "remove"
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Our own in-place writes come straight back as events; swallow them.
	if written, ok := w.selfWrites[event.Name]; ok {
		if time.Since(written) < 2*w.cfg.Debounce {
			return
		}
		delete(w.selfWrites, event.Name)
	}

	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType

	switch eventType {
	case "create":
		w.stats.FilesCreated++
		w.debounceMap[event.Name] = time.Now()
	case "modify":
		w.stats.FilesModified++
		w.debounceMap[event.Name] = time.Now()
	case "remove":
		w.stats.FilesRemoved++
		delete(w.debounceMap, event.Name)
	}
}

// processSettled repairs every file whose last event is older than the
// debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.cfg.Debounce {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.repairFile(ctx, path)
	}
}

// wantsFile filters to plain HTML sources, excluding our own repaired copies.
func (w *Watcher) wantsFile(path string) bool {
	if strings.HasSuffix(path, w.cfg.OutSuffix) {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// outPath names the destination for a repaired document.
func (w *Watcher) outPath(path string) string {
	if w.cfg.InPlace {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + w.cfg.OutSuffix
}

func (w *Watcher) repairFile(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("failed to read changed file", zap.String("path", path), zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.RepairsStarted++
	w.mu.Unlock()

	doc := document.New(content)
	res, err := w.runner.RunNamed(ctx, filepath.Base(path), doc)
	if err != nil {
		w.logger.Warn("repair failed", zap.String("path", path), zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if res.Success {
		w.stats.Passed++
	} else {
		w.stats.Failed++
	}
	w.mu.Unlock()

	// Write whatever improvement the run kept; an unchanged document writes
	// nothing so a clean file never churns.
	if res.Final.Equal(doc) {
		w.logger.Info("no changes for file",
			zap.String("path", path), zap.String("status", string(res.Status)))
		return
	}

	out := w.outPath(path)
	if err := os.WriteFile(out, res.Final.Bytes(), 0o644); err != nil {
		w.logger.Warn("failed to write repaired file", zap.String("path", out), zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}
	if w.cfg.InPlace {
		w.mu.Lock()
		w.selfWrites[out] = time.Now()
		w.mu.Unlock()
	}
	w.logger.Info("repaired file written",
		zap.String("path", out),
		zap.String("status", string(res.Status)),
		zap.Float64("score", res.FinalScore))
}

// Sweep repairs every HTML file currently in the directory. Useful at
// startup so existing files get the same treatment as changed ones.
func (w *Watcher) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !w.wantsFile(entry.Name()) {
			continue
		}
		w.repairFile(ctx, filepath.Join(w.cfg.Dir, entry.Name()))
	}
	return nil
}
