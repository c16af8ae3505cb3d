package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from a .env file, the config file and environment variables.
// Later sources override earlier ones; defaults come first.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	v := viper.New()
	v.SetConfigType("yaml")

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/chatguard/")
	v.AddConfigPath("$HOME/.chatguard/")

	v.SetEnvPrefix("CHATGUARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	active = v
	mu.Unlock()

	return config, nil
}

// setDefaults registers every default as a viper default. Defaults live outside
// the config map, so they survive the re-read that WatchConfig does on change.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaultTree(v, prefix+key+".", nested)
			continue
		}
		v.SetDefault(prefix+key, value)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Policy.MaxTextBytes <= 0 {
		return fmt.Errorf("invalid policy.max_text_bytes: %d", config.Policy.MaxTextBytes)
	}
	if config.Policy.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid policy.max_batch_size: %d", config.Policy.MaxBatchSize)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMinute <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_minute and burst")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when the cache is enabled")
	}

	if config.Audit.Enabled && config.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when auditing is enabled")
	}

	if config.Stream.Enabled {
		if len(config.Stream.Brokers) == 0 {
			return fmt.Errorf("stream.brokers is required when streaming is enabled")
		}
		if config.Stream.InputTopic == "" || config.Stream.OutputTopic == "" {
			return fmt.Errorf("stream.input_topic and stream.output_topic are required")
		}
	}

	if config.Batch.WorkerCount <= 0 || config.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch.worker_count and batch.batch_size must be positive")
	}

	return nil
}

// Watch reloads the configuration file on change and hands valid configurations to callback.
// Invalid files are logged and ignored so the running configuration stays in place.
func Watch(log *zap.Logger, callback func(*Config)) error {
	mu.Lock()
	v := active
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("configuration has not been loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			log.Warn("Ignoring configuration change",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}

		log.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
