package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/threadstr/threadstr/lib"
)

var (
	// Cache the configuration after first load
	cachedConfig    atomic.Value // stores *lib.Config
	configLoadOnce  sync.Once
	configLoadError error

	// Only protect write operations
	writeMutex sync.Mutex

	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration. A missing config
// file is not an error for an embedded library: defaults apply and the
// host overrides keys programmatically or via THREADSTR_* env vars.
func InitConfig() error {
	viper.SetConfigName("threadstr")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("THREADSTR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		// Watch for config file changes with debouncing; only meaningful
		// when a file actually exists.
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			debounceMutex.Lock()
			defer debounceMutex.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			// Reload after 500ms of no further changes to avoid reading
			// partial writes.
			debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
				writeMutex.Lock()
				defer writeMutex.Unlock()
				_ = reloadConfigCache()
			})
		})
	}

	return reloadConfigCache()
}

func setDefaults() {
	viper.SetDefault("relays.read", []string{})
	viper.SetDefault("relays.profile", []string{"wss://purplepag.es"})
	viper.SetDefault("relays.max_relays", 32)
	viper.SetDefault("relays.allow_paid", false)
	viper.SetDefault("relays.legacy_anchors", false)

	viper.SetDefault("pow.write_difficulty", 0)
	viper.SetDefault("pow.min_read", 0)
	viper.SetDefault("pow.max_write", 40)

	viper.SetDefault("content.max_comment_length", 0)
	viper.SetDefault("content.languages", []string{})
	viper.SetDefault("content.client_tag", "threadstr")

	viper.SetDefault("features.disable", []string{})

	viper.SetDefault("moderation.spam_api_url", "https://spam.nostr.band/spam_api")
	viper.SetDefault("moderation.check_updates", true)

	viper.SetDefault("timeouts.short_ms", 5600)
	viper.SetDefault("timeouts.default_ms", 7000)

	viper.SetDefault("storage.path", "./threadstr-data")
	viper.SetDefault("storage.in_memory", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.file", "")
}

// reloadConfigCache loads the configuration from viper into the cache
func reloadConfigCache() error {
	config := &lib.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetConfig returns the cached configuration struct. Reads only touch an
// atomic.Value so callers can hit this on every event.
func GetConfig() (*lib.Config, error) {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*lib.Config), nil
	}

	configLoadOnce.Do(func() {
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return nil, configLoadError
	}

	cfg := cachedConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	return cfg.(*lib.Config), nil
}

// MustConfig returns the configuration or a default-initialized one when
// loading failed; used on hot paths that cannot propagate errors.
func MustConfig() *lib.Config {
	cfg, err := GetConfig()
	if err != nil {
		return &lib.Config{}
	}
	return cfg
}

// UpdateConfig updates a configuration value at runtime and refreshes the
// cache. Values are not persisted; the library never writes the host's
// config file.
func UpdateConfig(key string, value interface{}) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	viper.Set(key, value)
	return reloadConfigCache()
}

// GetDataDir returns the storage directory path.
func GetDataDir() string {
	cfg, err := GetConfig()
	if err != nil || cfg.Storage.Path == "" {
		return "./threadstr-data"
	}
	return cfg.Storage.Path
}

// GetPath returns a path relative to the data directory.
func GetPath(subPath string) string {
	return filepath.Join(GetDataDir(), subPath)
}
