package config

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func validYAML() string {
	return `
app:
  instance_id: "11111111-1111-1111-1111-111111111111"

exchange:
  api_key: "${TEST_EXCHANGE_API_KEY}"
  secret_key: "${TEST_EXCHANGE_SECRET_KEY}"
  rate_limit_rps: 5
  rate_limit_burst: 10

grid:
  symbol: "SOL/USDT"
  lower_price: "120"
  upper_price: "150"
  num_grids: 6
  total_investment: "45"
  spacing_mode: "arithmetic"
  reserve_fraction: "0.20"
  stop_loss_pct: "0.10"
  tick_size: "0.01"
  lot_size: "0.0001"
  min_notional: "1"

system:
  log_level: "INFO"
  cancel_on_exit: true

persistence:
  backend: "file"
  path: "./data"

telemetry:
  service_name: "gridbot"
  enable_metrics: true
`
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(validYAML()))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_EXCHANGE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_EXCHANGE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_EXCHANGE_API_KEY")
	defer os.Unsetenv("TEST_EXCHANGE_SECRET_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), config.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), config.Exchange.SecretKey)
}

func TestConfigValidateRejectsMissingCredentials(t *testing.T) {
	cfg := &Config{
		Grid:        GridConfig{Symbol: "SOL/USDT", NumGrids: 6, SpacingMode: "arithmetic", LowerPrice: "120", UpperPrice: "150", TotalInvestment: "45", ReserveFraction: "0.2", StopLossPct: "0.1", TickSize: "0.01", LotSize: "0.0001", MinNotional: "1"},
		System:      SystemConfig{LogLevel: "INFO"},
		Persistence: PersistenceConfig{Backend: "file", Path: "./data"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestToCoreGridConfigConvertsDecimalFields(t *testing.T) {
	cfg := &Config{
		Grid: GridConfig{
			Symbol: "SOL/USDT", LowerPrice: "120", UpperPrice: "150", NumGrids: 6,
			TotalInvestment: "45", SpacingMode: "arithmetic", ReserveFraction: "0.20",
			StopLossPct: "0.10", TakeProfitPct: "0.30",
			TickSize: "0.01", LotSize: "0.0001", MinNotional: "1",
		},
	}

	gridCfg, err := cfg.ToCoreGridConfig()
	require.NoError(t, err)
	assert.True(t, gridCfg.LowerPrice.Equal(decimal.RequireFromString("120")))
	assert.True(t, gridCfg.HasTakeProfit)
	assert.True(t, gridCfg.TakeProfitPct.Equal(decimal.RequireFromString("0.30")))
}

func TestToCoreGridConfigRejectsBadDecimal(t *testing.T) {
	cfg := &Config{Grid: GridConfig{LowerPrice: "not-a-number"}}
	_, err := cfg.ToCoreGridConfig()
	assert.Error(t, err)
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:    Secret("my_super_secret_api_key"),
			SecretKey: Secret("my_super_secret_secret_key"),
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "REDACTED")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}
