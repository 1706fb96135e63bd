package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Watcher periodically re-reads a dotenv file and publishes the parsed
// DynamicValues into a Dynamic. Keys missing from the file fall back to the
// process environment, then to the envDefault tags. A file that fails to
// parse or validate leaves the current values in place.
type Watcher struct {
	path     string
	interval time.Duration
	target   *Dynamic
	logger   *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewWatcher creates a watcher for path publishing into target.
func NewWatcher(path string, interval time.Duration, target *Dynamic, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		target:   target,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Reload reads the file once. It reports whether the values changed.
func (w *Watcher) Reload() (bool, error) {
	fileVals, err := godotenv.Read(w.path)
	if err != nil {
		return false, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	environ := env.ToMap(os.Environ())
	for k, v := range fileVals {
		environ[k] = v
	}

	var next DynamicValues
	if err := env.ParseWithOptions(&next, env.Options{Environment: environ}); err != nil {
		return false, fmt.Errorf("config: parse %s: %w", w.path, err)
	}
	if err := next.Validate(); err != nil {
		return false, err
	}
	if next.equal(w.target.Get()) {
		return false, nil
	}
	w.target.Set(next)
	return true, nil
}

// Start loads the file once and then polls it in the background. It is safe
// to call only once; subsequent calls are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("config watcher: Start called more than once, ignoring")
		return
	}
	w.reload()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.loop(loopCtx)
}

// Drain stops the poll loop and waits for it to exit or ctx to expire.
func (w *Watcher) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("config watcher: drain timed out")
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	changed, err := w.Reload()
	if err != nil {
		w.logger.Warn("config watcher: keeping previous dynamic config", "file", w.path, "error", err)
		return
	}
	if changed {
		v := w.target.Get()
		w.logger.Info("config watcher: dynamic config updated",
			"max_concurrent_agents", v.MaxConcurrentAgents,
			"disabled_agents", len(v.DisabledAgents),
			"release_threshold", v.ReleaseThreshold,
			"account_shard_regex", v.AccountShardRegex,
		)
	}
}
