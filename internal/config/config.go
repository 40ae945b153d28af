package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the exchange core's full configuration (§6).
type Config struct {
	// Server configuration
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// Database configuration for the durable store (C7/gorm+postgres)
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	// WebSocket configuration for the event publisher (C9)
	WebSocket struct {
		Host           string `mapstructure:"host"`
		Port           int    `mapstructure:"port"`
		Path           string `mapstructure:"path"`
		MaxConnections int    `mapstructure:"max_connections"`
	} `mapstructure:"websocket"`

	// Broker configuration for cross-process event fan-out (C9)
	Broker struct {
		// Type empty means single-instance, no cross-process fan-out. Any
		// non-empty value enables go-micro's default broker at Address; the
		// value itself is only logged and does not select a backend.
		Type    string `mapstructure:"type"`
		Address string `mapstructure:"address"`
	} `mapstructure:"broker"`

	// Monitoring configuration
	Monitoring struct {
		PrometheusPort int    `mapstructure:"prometheus_port"`
		LogLevel       string `mapstructure:"log_level"`
	} `mapstructure:"monitoring"`

	// Matching/ledger/sync tunables named in §6
	FlushIntervalMs           int64           `mapstructure:"flush_interval_ms"`
	BatchSize                 int             `mapstructure:"batch_size"`
	DefaultFeeRate            decimal.Decimal `mapstructure:"default_fee_rate"`
	MarketBuyCollateralMargin decimal.Decimal `mapstructure:"market_buy_collateral_margin"`
	MarketMakerUserID         int64           `mapstructure:"market_maker_user_id"`
	HasMarketMaker            bool            `mapstructure:"has_market_maker"`
	SupportedSymbols          []string        `mapstructure:"supported_symbols"`
	EventQueueDepth           int             `mapstructure:"event_queue_depth"`
}

var (
	config *Config
	once   sync.Once
)

// LoadConfig loads the configuration from the specified directory,
// falling back to environment variables and built-in defaults. The
// first call wins for the package-level singleton; subsequent calls
// return the same *Config regardless of configPath.
func LoadConfig(configPath string) (*Config, error) {
	var err error

	once.Do(func() {
		config = &Config{}
		setDefaults()

		v := viper.New()
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if configPath != "" {
			v.AddConfigPath(configPath)
		} else {
			v.AddConfigPath(".")
			v.AddConfigPath("./config")
			v.AddConfigPath("/etc/spotex")
		}

		v.AutomaticEnv()
		v.SetEnvPrefix("SPOTEX")

		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config file: %w", err)
				return
			}
			err = nil
		}

		if err = v.Unmarshal(config); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}

		if err = config.validate(); err != nil {
			return
		}
	})

	return config, err
}

// GetConfig returns the current configuration, loading it with
// defaults if LoadConfig has not been called yet.
func GetConfig() *Config {
	if config == nil {
		_, err := LoadConfig("")
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	}
	return config
}

// SaveConfig writes cfg to path as indented JSON, creating parent
// directories as needed.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setDefaults() {
	config.Server.Host = "0.0.0.0"
	config.Server.Port = 8080

	config.Database.Host = "localhost"
	config.Database.Port = 5432
	config.Database.User = "postgres"
	config.Database.Name = "spotex"
	config.Database.SSLMode = "disable"

	config.WebSocket.Host = "0.0.0.0"
	config.WebSocket.Port = 8081
	config.WebSocket.Path = "/ws"
	config.WebSocket.MaxConnections = 10000

	config.Broker.Type = ""

	config.Monitoring.PrometheusPort = 9090
	config.Monitoring.LogLevel = "info"

	config.FlushIntervalMs = 10000
	config.BatchSize = 500
	config.DefaultFeeRate = decimal.NewFromFloat(0.001)
	config.MarketBuyCollateralMargin = decimal.NewFromFloat(0.01)
	config.HasMarketMaker = false
	config.EventQueueDepth = 256
}

// validate rejects configuration that would start the core into an
// invariant-violating state — values that type-check under
// Unmarshal but would break C2/C4/C6/C9 invariants at runtime.
func (c *Config) validate() error {
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive, got %d", c.FlushIntervalMs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.DefaultFeeRate.IsNegative() {
		return fmt.Errorf("default_fee_rate must not be negative, got %s", c.DefaultFeeRate)
	}
	if c.MarketBuyCollateralMargin.IsNegative() {
		return fmt.Errorf("market_buy_collateral_margin must not be negative, got %s", c.MarketBuyCollateralMargin)
	}
	if c.HasMarketMaker && c.MarketMakerUserID <= 0 {
		return fmt.Errorf("market_maker_user_id must be positive when has_market_maker is set, got %d", c.MarketMakerUserID)
	}
	if len(c.SupportedSymbols) == 0 {
		return fmt.Errorf("supported_symbols must name at least one trading pair")
	}
	if c.EventQueueDepth <= 0 {
		return fmt.Errorf("event_queue_depth must be positive, got %d", c.EventQueueDepth)
	}
	return nil
}

// InitLogger builds a zap.Logger from the configured log level,
// following the teacher's dev/production split.
func InitLogger(cfg *Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	switch cfg.Monitoring.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	case "info", "warn", "error":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewProduction()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
