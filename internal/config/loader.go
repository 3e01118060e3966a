package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the file the loader reads.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever a valid config is reloaded.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Invalid files are logged and the previous config stays active.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config watcher")
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "config watcher add %s", l.path)
	}
	log := logger.Named("config")

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						log.Warnw("hot-reload skipped", "path", l.path, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file. The new config only
// replaces the current one when it validates.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", l.path)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills every zero-valued tunable.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 16
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = 10000
	}
	if cfg.Engine.EventTimeoutMs == 0 {
		cfg.Engine.EventTimeoutMs = 5000
	}
	if cfg.Engine.ConflictRetries == 0 {
		cfg.Engine.ConflictRetries = 5
	}
	if cfg.Resolution.MergeThreshold == 0 {
		cfg.Resolution.MergeThreshold = 0.8
	}
	if cfg.Resolution.ReviewThreshold == 0 {
		cfg.Resolution.ReviewThreshold = 0.5
	}
	if cfg.Resolution.MaxCandidates == 0 {
		cfg.Resolution.MaxCandidates = 50
	}
	if cfg.Resolution.MinTokenLength == 0 {
		cfg.Resolution.MinTokenLength = 2
	}
	if cfg.Oracle.TimeoutMs == 0 {
		cfg.Oracle.TimeoutMs = 2000
	}
	if cfg.Oracle.MaxAttempts == 0 {
		cfg.Oracle.MaxAttempts = 3
	}
	if cfg.Oracle.InitialBackoffMs == 0 {
		cfg.Oracle.InitialBackoffMs = 100
	}
	if cfg.Normalizer.MaxClockSkewSec == 0 {
		cfg.Normalizer.MaxClockSkewSec = 24 * 60 * 60
	}
	if cfg.Ledger.HistoryPageSize == 0 {
		cfg.Ledger.HistoryPageSize = 256
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "badger"
	}
	if cfg.Cache.TTLSec == 0 {
		cfg.Cache.TTLSec = 30
	}
	if cfg.Analytics.MaxBuckets == 0 {
		cfg.Analytics.MaxBuckets = 1000
	}
	if cfg.Analytics.MaxDepth == 0 {
		cfg.Analytics.MaxDepth = 5
	}
	if cfg.Analytics.MaxNodes == 0 {
		cfg.Analytics.MaxNodes = 1000
	}
	if cfg.Analytics.DefaultPageSize == 0 {
		cfg.Analytics.DefaultPageSize = 50
	}
	if cfg.Analytics.MaxPageSize == 0 {
		cfg.Analytics.MaxPageSize = 500
	}
	if cfg.Notify.TopicURL == "" {
		cfg.Notify.TopicURL = "mem://provgraph-changes"
	}
	if cfg.Notify.SubscriptionURL == "" {
		cfg.Notify.SubscriptionURL = cfg.Notify.TopicURL
	}
	if cfg.Projection.Database == "" {
		cfg.Projection.Database = "neo4j"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.API.MaxBatch == 0 {
		cfg.API.MaxBatch = 100
	}
	if cfg.API.MaxEventBytes == 0 {
		cfg.API.MaxEventBytes = 1 << 20
	}
	if cfg.API.RateLimitRPS == 0 {
		cfg.API.RateLimitRPS = 200
	}
	if cfg.API.RateLimitBurst == 0 {
		cfg.API.RateLimitBurst = 400
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].EntityType == "" {
			cfg.Sources[i].EntityType = "entity"
		}
		for j := range cfg.Sources[i].Attributes {
			a := &cfg.Sources[i].Attributes[j]
			if a.Type == "" {
				a.Type = "string"
			}
			if a.Role == "identifier" && a.Namespace == "" {
				a.Namespace = a.Name
			}
			if a.Role == "relation" && a.Namespace == "" {
				a.Namespace = a.Name
			}
		}
	}
}
