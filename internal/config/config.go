package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Mistral   MistralConfig   `yaml:"mistral" mapstructure:"mistral"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSec  int    `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// EngineConfig configures the convergence loop.
type EngineConfig struct {
	MaxRounds      int     `yaml:"max_rounds" mapstructure:"max_rounds"`
	TargetAccuracy float64 `yaml:"target_accuracy" mapstructure:"target_accuracy"`
	RoundDelaySecs int     `yaml:"round_delay_secs" mapstructure:"round_delay_secs"`
}

// RetryConfig configures API retry behavior.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	RateLimitFloorMS int `yaml:"rate_limit_floor_ms" mapstructure:"rate_limit_floor_ms"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// MistralConfig holds Mistral OCR credentials.
type MistralConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"ocr_model" mapstructure:"ocr_model"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "docsight.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.max_concurrent_jobs", 4)
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.rate_per_sec", 2)
	v.SetDefault("engine.max_rounds", 5)
	v.SetDefault("engine.target_accuracy", 0.95)
	v.SetDefault("engine.round_delay_secs", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.rate_limit_floor_ms", 5000)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("mistral.ocr_model", "pixtral-large-latest")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that required settings for a given command mode are present.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch mode {
	case "run", "batch":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required (set DOCSIGHT_ANTHROPIC_KEY)")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required when store.driver is postgres")
		}
		if c.OCR.Provider == "mistral" && c.Mistral.Key == "" {
			missing = append(missing, "mistral.key is required when ocr.provider is mistral")
		}
		if c.Engine.MaxRounds < 1 {
			missing = append(missing, "engine.max_rounds must be at least 1")
		}
		if c.Engine.TargetAccuracy <= 0 || c.Engine.TargetAccuracy > 1 {
			missing = append(missing, "engine.target_accuracy must be in (0, 1]")
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			missing = append(missing, "server.port must be between 1 and 65535")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required when store.driver is postgres")
		}
	}

	if len(missing) > 0 {
		return eris.New("config validation failed:\n  - " + strings.Join(missing, "\n  - "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
