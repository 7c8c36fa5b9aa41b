package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	reloadDebounce = 100 * time.Millisecond
	pollInterval   = 5 * time.Second
)

// Runtime is the subset of configuration that can change without a
// restart.
type Runtime struct {
	LogLevel       string
	KeeperInterval time.Duration
}

// Watcher follows the .env file and reports changes to the runtime
// settings.
type Watcher struct {
	envPath     string
	mu          sync.Mutex
	current     Runtime
	lastModTime time.Time
	onChange    []func(Runtime)
}

// NewWatcher creates a watcher seeded with the values cfg was loaded with.
func NewWatcher(cfg *Config) *Watcher {
	w := &Watcher{
		envPath: cfg.EnvPath(),
		current: Runtime{LogLevel: cfg.LogLevel, KeeperInterval: cfg.KeeperInterval},
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// OnChange registers fn to run after every reload that changes a value.
func (w *Watcher) OnChange(fn func(Runtime)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the runtime settings in effect.
func (w *Watcher) Current() Runtime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx ends. It falls back to polling when the directory
// cannot be watched.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fw.Add(filepath.Dir(w.envPath))
		if err != nil {
			fw.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Falling back to polling for config changes")
		return w.poll(ctx)
	}
	defer fw.Close()

	log.Info().Str("envPath", w.envPath).Msg("Started watching config file for changes")
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Wait for the writer to finish.
			select {
			case <-time.After(reloadDebounce):
			case <-ctx.Done():
				return nil
			}
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.Reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				log.Info().Msg("Detected .env file change via polling")
				w.Reload()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Reload re-reads the .env file and applies changed runtime values.
// Invalid values are logged and the previous value is kept.
func (w *Watcher) Reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to read .env file")
		return
	}

	w.mu.Lock()
	next := w.current
	if level, ok := envMap["TALLY_LOG_LEVEL"]; ok && level != "" {
		next.LogLevel = level
	}
	if raw, ok := envMap["TALLY_KEEPER_INTERVAL"]; ok && raw != "" {
		d, err := parseDuration("TALLY_KEEPER_INTERVAL", raw)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Ignoring invalid keeper interval")
		case d < time.Second:
			log.Warn().Dur("interval", d).Msg("Ignoring keeper interval below 1s")
		default:
			next.KeeperInterval = d
		}
	}
	if next == w.current {
		w.mu.Unlock()
		return
	}
	prev := w.current
	w.current = next
	callbacks := append([]func(Runtime){}, w.onChange...)
	w.mu.Unlock()

	log.Info().
		Str("logLevel", next.LogLevel).
		Str("previousLogLevel", prev.LogLevel).
		Dur("keeperInterval", next.KeeperInterval).
		Dur("previousKeeperInterval", prev.KeeperInterval).
		Msg("Applied runtime config change")
	for _, fn := range callbacks {
		fn(next)
	}
}
