package webguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBrokenThresholds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative entropy threshold", func(c *Config) { c.EntropyThreshold = -1 }},
		{"zero retention horizon", func(c *Config) { c.RetentionHorizonSeconds = 0 }},
		{"zero rate window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }},
		{"abuse confidence above one", func(c *Config) { c.RateLimit.AbuseConfidence = 1.5 }},
		{"zero brute force threshold", func(c *Config) { c.BruteForce.Threshold = 0 }},
		{"zero blocking ceiling", func(c *Config) { c.Blocking.MaxReputation = 0 }},
		{"risk tiers not descending", func(c *Config) { c.Severity.RiskHigh = 90 }},
		{"confidence tiers not descending", func(c *Config) { c.Severity.ConfidenceMedium = 0.9 }},
		{"non-positive type weight", func(c *Config) { c.TypeWeights[AttackSQLi] = 0 }},
		{"duplicate priority entry", func(c *Config) { c.Priority = append(c.Priority, AttackSQLi) }},
		{"unknown alert severity", func(c *Config) { c.AlertSeverity = "catastrophic" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{
		"entropyThreshold": 5.0,
		"rateLimit": {"windowSeconds": 30, "maxRequests": 50, "abuseConfidence": 0.9},
		"typeWeights": {"sqli": 2.0}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.EntropyThreshold)
	assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 50, cfg.RateLimit.MaxRequests)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.BruteForce.Threshold)
	assert.Equal(t, 2.0, cfg.TypeWeight(AttackSQLi))
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"entropyThreshold": -4}`), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestTypeWeightDefaultsToOne(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.5, cfg.TypeWeight(AttackSQLi))
	assert.Equal(t, 1.0, cfg.TypeWeight(AttackNone))
}

func TestPriorityRank(t *testing.T) {
	cfg := DefaultConfig()
	assert.Less(t, cfg.priorityRank(AttackSQLi), cfg.priorityRank(AttackXSS))
	assert.Equal(t, len(cfg.Priority), cfg.priorityRank(AttackNone))
}
