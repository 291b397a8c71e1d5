package webguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// ErrConfig marks an invalid configuration. Configuration errors are the
// only fatal error class: the engine refuses to start rather than run with
// broken thresholds.
var ErrConfig = errors.New("webguard: invalid config")

const defaultEntropyThreshold = 4.5

// RateLimitConfig controls the sliding-window admission check.
type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	// AbuseConfidence is the fixed confidence assigned to a rate_abuse
	// detection. The abuse signal is frequency based, not content based,
	// so it is never derived from the payload.
	AbuseConfidence float64 `json:"abuseConfidence"`
}

// BruteForceConfig controls frequency-driven brute force classification.
type BruteForceConfig struct {
	// Threshold is the number of reported auth failures within the window
	// before requests from the source classify as brute_force.
	Threshold     int     `json:"threshold"`
	WindowSeconds int     `json:"windowSeconds"`
	Confidence    float64 `json:"confidence"`
}

// BlockingConfig holds the hard thresholds that flip a source to blocked.
type BlockingConfig struct {
	MaxAttackCount int64   `json:"maxAttackCount"`
	MaxReputation  float64 `json:"maxReputation"`
}

// SeverityThresholds maps risk score and confidence onto severity tiers.
// A tier is reached when either measure crosses its threshold.
type SeverityThresholds struct {
	RiskCritical       float64 `json:"riskCritical"`
	RiskHigh           float64 `json:"riskHigh"`
	RiskMedium         float64 `json:"riskMedium"`
	ConfidenceCritical float64 `json:"confidenceCritical"`
	ConfidenceHigh     float64 `json:"confidenceHigh"`
	ConfidenceMedium   float64 `json:"confidenceMedium"`
}

// AnomalyConfig controls the statistical anomaly detector.
type AnomalyConfig struct {
	Enabled           bool    `json:"enabled"`
	WindowSeconds     int     `json:"windowSeconds"`
	PathRepeatLimit   int     `json:"pathRepeatLimit"`
	ActivityLimit     int     `json:"activityLimit"`
	MinClassification float64 `json:"minClassification"`
}

// Config is the engine configuration. It is loaded once at startup,
// validated, and treated as immutable; hot reload swaps in a fresh snapshot
// rather than mutating the live one.
type Config struct {
	EntropyThreshold        float64                `json:"entropyThreshold"`
	RetentionHorizonSeconds int                    `json:"retentionHorizonSeconds"`
	MaxFieldBytes           int                    `json:"maxFieldBytes"`
	RateLimit               RateLimitConfig        `json:"rateLimit"`
	BruteForce              BruteForceConfig       `json:"bruteForce"`
	Blocking                BlockingConfig         `json:"blocking"`
	Severity                SeverityThresholds     `json:"severity"`
	Anomaly                 AnomalyConfig          `json:"anomaly"`
	TypeWeights             map[AttackType]float64 `json:"typeWeights"`
	// Priority breaks ties between families that match with identical
	// confidence. Earlier wins.
	Priority []AttackType `json:"priority"`
	// AlertSeverity is the minimum tier that triggers escalation.
	AlertSeverity Severity `json:"alertSeverity"`
}

// DefaultConfig returns the configuration the engine ships with.
func DefaultConfig() *Config {
	return &Config{
		EntropyThreshold:        defaultEntropyThreshold,
		RetentionHorizonSeconds: 3600,
		MaxFieldBytes:           10 * 1024,
		RateLimit: RateLimitConfig{
			WindowSeconds:   60,
			MaxRequests:     100,
			AbuseConfidence: 0.7,
		},
		BruteForce: BruteForceConfig{
			Threshold:     5,
			WindowSeconds: 300,
			Confidence:    0.8,
		},
		Blocking: BlockingConfig{
			MaxAttackCount: 25,
			MaxReputation:  100,
		},
		Severity: SeverityThresholds{
			RiskCritical:       80,
			RiskHigh:           60,
			RiskMedium:         40,
			ConfidenceCritical: 0.8,
			ConfidenceHigh:     0.6,
			ConfidenceMedium:   0.4,
		},
		Anomaly: AnomalyConfig{
			Enabled:           true,
			WindowSeconds:     300,
			PathRepeatLimit:   10,
			ActivityLimit:     50,
			MinClassification: 0.6,
		},
		TypeWeights: map[AttackType]float64{
			AttackSQLi:             1.5,
			AttackXSS:              1.3,
			AttackPathTraversal:    1.4,
			AttackCommandInjection: 1.6,
			AttackBruteForce:       1.1,
			AttackRateAbuse:        1.0,
			AttackAnomaly:          1.2,
		},
		Priority: []AttackType{
			AttackSQLi, AttackCommandInjection, AttackXSS,
			AttackPathTraversal, AttackBruteForce, AttackRateAbuse,
			AttackAnomaly,
		},
		AlertSeverity: SeverityHigh,
	}
}

// LoadConfig reads a JSON config file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if len(data) > 1024*1024 {
		return nil, fmt.Errorf("%w: config file %s is too large", ErrConfig, path)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects threshold and weight combinations the engine cannot run
// with. Wrapped ErrConfig errors are fatal at startup.
func (c *Config) Validate() error {
	if c.EntropyThreshold <= 0 {
		return fmt.Errorf("%w: entropyThreshold must be positive", ErrConfig)
	}
	if c.RetentionHorizonSeconds <= 0 {
		return fmt.Errorf("%w: retentionHorizonSeconds must be positive", ErrConfig)
	}
	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("%w: rate limit window and max must be positive", ErrConfig)
	}
	if c.RateLimit.AbuseConfidence < 0 || c.RateLimit.AbuseConfidence > 1 {
		return fmt.Errorf("%w: abuseConfidence must be within [0,1]", ErrConfig)
	}
	if c.BruteForce.Threshold <= 0 || c.BruteForce.WindowSeconds <= 0 {
		return fmt.Errorf("%w: brute force threshold and window must be positive", ErrConfig)
	}
	if c.BruteForce.Confidence < 0 || c.BruteForce.Confidence > 1 {
		return fmt.Errorf("%w: brute force confidence must be within [0,1]", ErrConfig)
	}
	if c.Blocking.MaxAttackCount <= 0 || c.Blocking.MaxReputation <= 0 {
		return fmt.Errorf("%w: blocking thresholds must be positive", ErrConfig)
	}
	s := c.Severity
	if !(s.RiskCritical > s.RiskHigh && s.RiskHigh > s.RiskMedium && s.RiskMedium > 0) {
		return fmt.Errorf("%w: risk severity thresholds must be strictly descending and positive", ErrConfig)
	}
	if !(s.ConfidenceCritical > s.ConfidenceHigh && s.ConfidenceHigh > s.ConfidenceMedium && s.ConfidenceMedium > 0) {
		return fmt.Errorf("%w: confidence severity thresholds must be strictly descending and positive", ErrConfig)
	}
	for attack, weight := range c.TypeWeights {
		if weight <= 0 {
			return fmt.Errorf("%w: type weight for %s must be positive", ErrConfig, attack)
		}
	}
	seen := make(map[AttackType]bool, len(c.Priority))
	for _, attack := range c.Priority {
		if seen[attack] {
			return fmt.Errorf("%w: duplicate priority entry %s", ErrConfig, attack)
		}
		seen[attack] = true
	}
	switch c.AlertSeverity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown alertSeverity %q", ErrConfig, c.AlertSeverity)
	}
	return nil
}

// TypeWeight returns the severity weight for an attack family, defaulting
// to 1.0 for unknown families.
func (c *Config) TypeWeight(attack AttackType) float64 {
	if weight, ok := c.TypeWeights[attack]; ok {
		return weight
	}
	return 1.0
}

// RetentionHorizon is the attack-history window as a duration.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionHorizonSeconds) * time.Second
}

// priorityRank returns the tie-break position of an attack family; families
// missing from the priority list sort last.
func (c *Config) priorityRank(attack AttackType) int {
	for i, candidate := range c.Priority {
		if candidate == attack {
			return i
		}
	}
	return len(c.Priority)
}

// WatchConfig re-reads path whenever it changes and hands each valid
// snapshot to apply. Invalid snapshots are logged and skipped so a broken
// edit never takes down a running engine. The returned stop function
// releases the watcher.
func WatchConfig(path string, logger *log.Logger, apply func(*Config)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("webguard: config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("webguard: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				apply(cfg)
				logger.Info().Str("path", path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}
