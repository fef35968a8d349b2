// Package config loads engine configuration from engine.yaml with
// environment overrides, and hot-reloads the tunable subset when the file
// changes on disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full engine configuration.
type Config struct {
	HTTPPort      int    `mapstructure:"http_port"`
	DatabasePath  string `mapstructure:"database_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisStream   string `mapstructure:"redis_stream"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	LogLevel      string `mapstructure:"log_level"`

	// Tunables, hot-reloadable.
	DeadlockThreshold  time.Duration `mapstructure:"deadlock_threshold"`
	QueueWarnThreshold int           `mapstructure:"queue_warn_threshold"`
	SubscriberBuffer   int           `mapstructure:"subscriber_buffer"`
	WebhookRateLimit   float64       `mapstructure:"webhook_rate_limit"`
	WebhookBurst       int           `mapstructure:"webhook_burst"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_port", 8000)
	v.SetDefault("database_path", "fluxbpm.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_stream", "fluxbpm:events")
	v.SetDefault("public_base_url", "http://localhost:8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("deadlock_threshold", "30s")
	v.SetDefault("queue_warn_threshold", 100)
	v.SetDefault("subscriber_buffer", 256)
	v.SetDefault("webhook_rate_limit", 50.0)
	v.SetDefault("webhook_burst", 100)
}

// Load reads engine.yaml from ENGINE_CONFIG_PATH (default ./engine.yaml).
// Every key can be overridden with an ENGINE_ environment variable, e.g.
// ENGINE_HTTP_PORT=9000. A missing config file is not an error; defaults and
// env apply.
func Load() (*Config, string, error) {
	cfgPath := os.Getenv("ENGINE_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "engine.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, cfgPath, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, cfgPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, cfgPath, err
	}
	return &c, cfgPath, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.DeadlockThreshold < 0 {
		return fmt.Errorf("deadlock_threshold must be non-negative")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	return nil
}

// Watcher re-reads the config file on change and hands the tunable fields to
// a callback. Static fields (ports, paths) keep their boot values.
type Watcher struct {
	mu      sync.Mutex
	path    string
	current *Config
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	onApply func(Config)
	done    chan struct{}
}

// NewWatcher starts watching path. onApply receives the merged config after
// each successful reload.
func NewWatcher(path string, boot *Config, logger *zap.Logger, onApply func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	w := &Watcher{
		path:    path,
		current: boot,
		logger:  logger,
		watcher: fw,
		onApply: onApply,
		done:    make(chan struct{}),
	}
	if err := fw.Add(path); err != nil {
		// File may not exist yet; watch the directory instead so creation
		// is picked up.
		dir := "."
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			dir = path[:i]
		}
		if derr := fw.Add(dir); derr != nil {
			fw.Close()
			return nil, fmt.Errorf("config watcher add: %w", derr)
		}
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Editors produce bursts of write events; debounce.
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, w.path) && ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	fresh, _, err := Load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	w.mu.Lock()
	merged := *w.current
	merged.DeadlockThreshold = fresh.DeadlockThreshold
	merged.QueueWarnThreshold = fresh.QueueWarnThreshold
	merged.SubscriberBuffer = fresh.SubscriberBuffer
	merged.WebhookRateLimit = fresh.WebhookRateLimit
	merged.WebhookBurst = fresh.WebhookBurst
	merged.LogLevel = fresh.LogLevel
	*w.current = merged
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		zap.Duration("deadlock_threshold", merged.DeadlockThreshold),
		zap.Int("queue_warn_threshold", merged.QueueWarnThreshold))
	if w.onApply != nil {
		w.onApply(merged)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
