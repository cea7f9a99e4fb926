package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCorrelationGroups(t *testing.T) {
	groups, err := parseCorrelationGroups("L1:ETHUSDT|SOLUSDT;MAJOR:btcusdt")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ETHUSDT": "L1",
		"SOLUSDT": "L1",
		"BTCUSDT": "MAJOR",
	}, groups)
}

func TestParseCorrelationGroupsEmpty(t *testing.T) {
	groups, err := parseCorrelationGroups("  ")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestParseCorrelationGroupsRejectsMalformed(t *testing.T) {
	_, err := parseCorrelationGroups("no-colon-here")
	assert.Error(t, err)
}

func TestParseCorrelationGroupsRejectsConflict(t *testing.T) {
	_, err := parseCorrelationGroups("A:ETHUSDT;B:ETHUSDT")
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, 0.005, cfg.MinRiskFraction)
	assert.Equal(t, 0.04, cfg.MaxRiskFraction)
	assert.Equal(t, 0.75, cfg.LockThreshold)
}

func TestLoadConfigCollectsErrors(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("BASE_STOP_DISTANCE", "1.5")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY")
	assert.Contains(t, err.Error(), "BASE_STOP_DISTANCE")
}
