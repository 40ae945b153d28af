package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	c := &Config{}
	config = c
	setDefaults()

	assert.Equal(t, int64(10000), c.FlushIntervalMs)
	assert.Equal(t, 500, c.BatchSize)
	assert.True(t, c.DefaultFeeRate.Equal(decimal.NewFromFloat(0.001)))
	assert.False(t, c.HasMarketMaker)
	assert.Equal(t, 256, c.EventQueueDepth)
}

func TestValidateRejectsNegativeFeeRate(t *testing.T) {
	c := &Config{
		FlushIntervalMs:  1000,
		BatchSize:        10,
		DefaultFeeRate:   decimal.NewFromFloat(-0.001),
		SupportedSymbols: []string{"BTC-USDT"},
		EventQueueDepth:  10,
	}
	err := c.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_fee_rate")
}

func TestValidateRejectsEmptySupportedSymbols(t *testing.T) {
	c := &Config{
		FlushIntervalMs: 1000,
		BatchSize:       10,
		DefaultFeeRate:  decimal.Zero,
		EventQueueDepth: 10,
	}
	err := c.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supported_symbols")
}

func TestValidateRejectsNonPositiveBatchSize(t *testing.T) {
	c := &Config{
		FlushIntervalMs:  1000,
		BatchSize:        0,
		DefaultFeeRate:   decimal.Zero,
		SupportedSymbols: []string{"BTC-USDT"},
		EventQueueDepth:  10,
	}
	err := c.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestSaveConfigWritesReadableJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	c := &Config{
		FlushIntervalMs:  5000,
		BatchSize:        100,
		DefaultFeeRate:   decimal.NewFromFloat(0.002),
		SupportedSymbols: []string{"BTC-USDT", "ETH-USDT"},
		EventQueueDepth:  128,
	}

	require.NoError(t, SaveConfig(c, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BTC-USDT")
}
