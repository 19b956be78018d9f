// Package config loads the TOML configuration for the chunkstream demo
// binaries, following the same tag/duration idiom as the deadline-aware
// multipath gateway this project descends from.
package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the top-level configuration for a chunkstream sender or
// receiver process.
type Config struct {
	Role       string  `toml:"role"` // "sender" or "receiver"
	RemoteAddr string  `toml:"remote_addr"`
	Port       int     `toml:"port"`
	MTU        int     `toml:"mtu"`
	BufferSize int     `toml:"buffer_size"`
	MaxData    int     `toml:"max_data_size"`
	LogLevel   string  `toml:"log_level"`
	Timing     Timing  `toml:"timing"`
	Metrics    Metrics `toml:"metrics"`
}

// Timing holds the timer values decoded from the [timing] table. Nothing
// in chunkstream applies them: the library's timers are the fixed
// constants InitChunkTimeout, ResendTimeout and FrameDropTimeout.
type Timing struct {
	InitChunkTimeout duration `toml:"init_chunk_timeout"`
	ResendTimeout    duration `toml:"resend_timeout"`
	FrameDropTimeout duration `toml:"frame_drop_timeout"`
}

// Metrics configures optional Prometheus exposition.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Load decodes the TOML file at path into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	return &cfg, nil
}

// Watcher reloads the mutable subset of a Config (log level and the
// metrics listen address) whenever its backing file changes, using
// fsnotify the way a long-running relay process picks up operator
// tweaks without a restart. The immutable subset (role, addresses,
// protocol sizing) requires a process restart to change, since it feeds
// pool and retransmit-buffer construction.
type Watcher struct {
	path string
	log  *logrus.Entry

	mu       sync.RWMutex
	logLevel string
	metrics  Metrics

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path and seeds the mutable subset from cfg.
func NewWatcher(path string, cfg *Config, log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: create watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "config: watch %s", path)
	}

	w := &Watcher{
		path:     path,
		log:      log,
		logLevel: cfg.LogLevel,
		metrics:  cfg.Metrics,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous values")
				continue
			}
			w.mu.Lock()
			w.logLevel = cfg.LogLevel
			w.metrics = cfg.Metrics
			w.mu.Unlock()
			w.log.Info("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		case <-w.done:
			return
		}
	}
}

// LogLevel returns the most recently observed log_level value.
func (w *Watcher) LogLevel() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.logLevel
}

// MetricsConfig returns the most recently observed metrics settings.
func (w *Watcher) MetricsConfig() Metrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.metrics
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
