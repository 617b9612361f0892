// Package config loads the bridge's per-user configuration and resolves the
// well-known paths the lifecycle controller consumes: the user init script
// and a pre-supplied connection descriptor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConnectionEnvVar names a pre-existing connection descriptor to bind to
// instead of allocating a fresh one.
const ConnectionEnvVar = "REVKERNEL_CONNECTION"

// appDirName is the directory under the per-user configuration root holding
// the config file and init script.
const appDirName = "revkernel"

// Config holds the bridge's configuration settings.
type Config struct {
	// Engine selects which engine the demo host embeds.
	Engine string `mapstructure:"engine"`
	// ConnectionFile, when set, is the pre-supplied connection descriptor.
	ConnectionFile string `mapstructure:"connection_file"`
	// PollIntervalMS overrides the engine's recommended poll interval when
	// positive. Zero keeps the engine default.
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	// InitScript overrides the default init-script location.
	InitScript string `mapstructure:"init_script"`
	// Engines carries free-form per-engine settings.
	Engines map[string]map[string]any `mapstructure:"engines"`
}

// configChangeHooks stores functions to be called when the config changes.
// The watcher invokes them from the fsnotify goroutine.
var (
	hookMu            sync.Mutex
	configChangeHooks []func(*Config)
)

// AddConfigChangeHook registers a function to be called when the
// configuration file changes on disk. Hooks receive a fresh snapshot; the
// configuration returned by Load is never mutated by reloads.
func (c *Config) AddConfigChangeHook(hook func(*Config)) {
	hookMu.Lock()
	defer hookMu.Unlock()
	configChangeHooks = append(configChangeHooks, hook)
}

func changeHooks() []func(*Config) {
	hookMu.Lock()
	defer hookMu.Unlock()
	return append(([]func(*Config))(nil), configChangeHooks...)
}

// Load reads the configuration from the per-user directory, the working
// directory, and the environment. A missing config file is not an error;
// defaults and environment variables apply.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := UserDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("REVKERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// The connection variable predates the prefix scheme; bind it by its
	// exact historical name.
	if err := v.BindEnv("connection_file", ConnectionEnvVar); err != nil {
		return nil, fmt.Errorf("bind %s: %w", ConnectionEnvVar, err)
	}

	v.SetDefault("engine", "goeval")
	v.SetDefault("poll_interval_ms", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		// Reload into a fresh snapshot; callers keep reading the Config
		// returned by Load concurrently, so it is never written again.
		next := new(Config)
		if err := v.Unmarshal(next); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("re-unmarshal config %s: %w", e.Name, err))
			return
		}
		if err := next.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("reloaded config %s: %w", e.Name, err))
			return
		}
		for _, hook := range changeHooks() {
			hook(next)
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for valid values.
func (c *Config) Validate() error {
	if c.PollIntervalMS < 0 {
		return fmt.Errorf("poll_interval_ms must not be negative, got %d", c.PollIntervalMS)
	}
	return nil
}

// PollInterval returns the configured poll-interval override, or zero when
// the engine default should be used.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// UserDir returns the per-user configuration directory for the bridge.
func UserDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

// InitScripts returns the user init scripts to evaluate into the kernel
// namespace at first-ever startup. Only scripts that exist on disk are
// returned; the default location is <UserConfigDir>/revkernel/init.go.
func (c *Config) InitScripts() []string {
	path := c.InitScript
	if path == "" {
		dir, err := UserDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(dir, "init.go")
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return []string{path}
}

// EngineOptions returns the free-form settings for the named engine.
func (c *Config) EngineOptions(name string) map[string]any {
	if c.Engines == nil {
		return nil
	}
	return c.Engines[name]
}
