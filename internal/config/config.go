// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure for one gridbot
// process. A process runs exactly one grid instance in this repo's scope
// (SPEC_FULL.md's multi-instance deployments run one process per instance,
// each with its own config file).
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Grid        GridConfig        `yaml:"grid"`
	System      SystemConfig      `yaml:"system"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains process-identity settings.
type AppConfig struct {
	// InstanceID is this grid instance's persistent identifier. Left blank
	// on first run, in which case cmd/gridbot mints a fresh UUID
	// and the operator is expected to persist the generated config back
	// to disk so a restart resumes the same instance instead of starting
	// a second one.
	InstanceID string `yaml:"instance_id"`
}

// ExchangeConfig contains exchange adapter settings.
type ExchangeConfig struct {
	APIKey        Secret  `yaml:"api_key" validate:"required"`
	SecretKey     Secret  `yaml:"secret_key" validate:"required"`
	Passphrase    Secret  `yaml:"passphrase"` // required for some exchanges
	BaseURL       string  `yaml:"base_url"`
	RateLimitRPS  float64 `yaml:"rate_limit_rps" validate:"required,min=0"`
	RateLimitBurst int    `yaml:"rate_limit_burst" validate:"required,min=1"`
}

// GridConfig is the YAML-facing mirror of core.GridConfig. Price,
// investment, and percentage fields are kept as strings so decimal.Decimal
// parsing is exact — unmarshaling them as float64 first would reintroduce
// the binary-floating-point error SPEC_FULL.md's decimal-arithmetic
// requirement exists to avoid.
type GridConfig struct {
	Symbol          string `yaml:"symbol" validate:"required"`
	LowerPrice      string `yaml:"lower_price" validate:"required"`
	UpperPrice      string `yaml:"upper_price" validate:"required"`
	NumGrids        int    `yaml:"num_grids" validate:"required,min=3,max=100"`
	TotalInvestment string `yaml:"total_investment" validate:"required"`
	SpacingMode     string `yaml:"spacing_mode" validate:"required,oneof=arithmetic geometric"`
	ReserveFraction string `yaml:"reserve_fraction" validate:"required"`
	StopLossPct     string `yaml:"stop_loss_pct" validate:"required"`
	TakeProfitPct   string `yaml:"take_profit_pct"` // empty means "not configured"

	TickSize    string `yaml:"tick_size" validate:"required"`
	LotSize     string `yaml:"lot_size" validate:"required"`
	MinNotional string `yaml:"min_notional" validate:"required"`
}

// SystemConfig contains system-level settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// PersistenceConfig selects and configures the Store backend.
type PersistenceConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=file sqlite"`
	Path    string `yaml:"path" validate:"required"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGridConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validatePersistenceConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	return nil
}

func (c *Config) validateGridConfig() error {
	if c.Grid.Symbol == "" {
		return ValidationError{Field: "grid.symbol", Message: "trading symbol is required"}
	}
	if c.Grid.NumGrids < 3 || c.Grid.NumGrids > 100 {
		return ValidationError{Field: "grid.num_grids", Value: c.Grid.NumGrids, Message: "must be between 3 and 100"}
	}
	if c.Grid.SpacingMode != "arithmetic" && c.Grid.SpacingMode != "geometric" {
		return ValidationError{Field: "grid.spacing_mode", Value: c.Grid.SpacingMode, Message: "must be one of: arithmetic, geometric"}
	}
	for _, f := range []struct {
		field string
		value string
	}{
		{"grid.lower_price", c.Grid.LowerPrice},
		{"grid.upper_price", c.Grid.UpperPrice},
		{"grid.total_investment", c.Grid.TotalInvestment},
		{"grid.reserve_fraction", c.Grid.ReserveFraction},
		{"grid.stop_loss_pct", c.Grid.StopLossPct},
		{"grid.tick_size", c.Grid.TickSize},
		{"grid.lot_size", c.Grid.LotSize},
		{"grid.min_notional", c.Grid.MinNotional},
	} {
		if _, err := decimal.NewFromString(f.value); err != nil {
			return ValidationError{Field: f.field, Value: f.value, Message: "must be a valid decimal string"}
		}
	}
	if c.Grid.TakeProfitPct != "" {
		if _, err := decimal.NewFromString(c.Grid.TakeProfitPct); err != nil {
			return ValidationError{Field: "grid.take_profit_pct", Value: c.Grid.TakeProfitPct, Message: "must be a valid decimal string"}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validatePersistenceConfig() error {
	if c.Persistence.Backend != "file" && c.Persistence.Backend != "sqlite" {
		return ValidationError{Field: "persistence.backend", Value: c.Persistence.Backend, Message: "must be one of: file, sqlite"}
	}
	if c.Persistence.Path == "" {
		return ValidationError{Field: "persistence.path", Message: "path is required"}
	}
	return nil
}

// ToCoreGridConfig parses the YAML-facing GridConfig into core.GridConfig,
// converting every decimal-valued field exactly. A field that does not
// parse as a decimal is returned as an error.
func (c *Config) ToCoreGridConfig() (core.GridConfig, error) {
	lower, err := decimal.NewFromString(c.Grid.LowerPrice)
	if err != nil {
		return core.GridConfig{}, fmt.Errorf("grid.lower_price: %w", err)
	}
	upper, err := decimal.NewFromString(c.Grid.UpperPrice)
	if err != nil {
		return core.GridConfig{}, fmt.Errorf("grid.upper_price: %w", err)
	}
	investment, err := decimal.NewFromString(c.Grid.TotalInvestment)
	if err != nil {
		return core.GridConfig{}, fmt.Errorf("grid.total_investment: %w", err)
	}
	reserve, err := decimal.NewFromString(c.Grid.ReserveFraction)
	if err != nil {
		return core.GridConfig{}, fmt.Errorf("grid.reserve_fraction: %w", err)
	}
	stopLoss, err := decimal.NewFromString(c.Grid.StopLossPct)
	if err != nil {
		return core.GridConfig{}, fmt.Errorf("grid.stop_loss_pct: %w", err)
	}

	cfg := core.GridConfig{
		Symbol:          c.Grid.Symbol,
		LowerPrice:      lower,
		UpperPrice:      upper,
		NumGrids:        c.Grid.NumGrids,
		TotalInvestment: investment,
		SpacingMode:     core.SpacingMode(c.Grid.SpacingMode),
		StopLossPct:     stopLoss,
		ReserveFraction: reserve,
	}

	if c.Grid.TakeProfitPct != "" {
		takeProfit, err := decimal.NewFromString(c.Grid.TakeProfitPct)
		if err != nil {
			return core.GridConfig{}, fmt.Errorf("grid.take_profit_pct: %w", err)
		}
		cfg.TakeProfitPct = takeProfit
		cfg.HasTakeProfit = true
	}

	return cfg, nil
}

// String returns a string representation of the configuration (with
// sensitive data masked via Secret's custom marshalers).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
