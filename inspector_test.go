package webguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInspector(t *testing.T, cfg *Config, opts InspectorOptions) *Inspector {
	t.Helper()
	ins, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })
	return ins
}

func benignRequest(source string) RequestContext {
	return RequestContext{
		Source:    source,
		Method:    "GET",
		Path:      "/products",
		Query:     "category=books",
		Headers:   map[string]string{"User-Agent": "test-client/1.0"},
		Timestamp: time.Now(),
	}
}

func TestInspectBenignRequest(t *testing.T) {
	metrics := NewInMemoryMetricsCollector()
	ins := newTestInspector(t, nil, InspectorOptions{Metrics: metrics})

	result := ins.Inspect(context.Background(), benignRequest("203.0.113.50"))

	assert.False(t, result.IsAttack())
	assert.Equal(t, ActionAllowed, result.Action)
	assert.Equal(t, StateLogged, result.State)
	assert.Equal(t, SeverityLow, result.Severity)
	assert.False(t, result.Degraded)
	assert.NotEmpty(t, result.ID)
	assert.EqualValues(t, 1, metrics.CounterValue("webguard_requests_total", map[string]string{"action": "allowed"}))
}

func TestInspectSQLiEscalates(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})

	req := benignRequest("203.0.113.51")
	req.Method = "POST"
	req.Path = "/api/login"
	req.Query = ""
	req.Body = "username=admin' OR 1=1 --"
	result := ins.Inspect(context.Background(), req)

	require.True(t, result.IsAttack())
	assert.Equal(t, AttackSQLi, result.Classification.Type)
	assert.GreaterOrEqual(t, result.Classification.Confidence, 0.5)
	// The 1.5 sqli weight pushes the risk score into the critical tier.
	assert.Equal(t, SeverityCritical, result.Severity)
	assert.Equal(t, StateEscalated, result.State)
	assert.Equal(t, ActionBlockSuggested, result.Action)
}

func TestInspectXSSAlertsWithoutBlock(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})

	req := benignRequest("203.0.113.58")
	req.Method = "POST"
	req.Path = "/comment"
	req.Query = ""
	req.Body = "link=javascript:alert(1)&click=onclick=alert(1)"
	result := ins.Inspect(context.Background(), req)

	require.True(t, result.IsAttack())
	assert.Equal(t, AttackXSS, result.Classification.Type)
	assert.InDelta(t, 0.5, result.Classification.Confidence, 1e-9)
	// Two xss signals land in the high tier: escalated, but no block yet.
	assert.Equal(t, SeverityHigh, result.Severity)
	assert.Equal(t, StateEscalated, result.State)
	assert.Equal(t, ActionAlerted, result.Action)
}

func TestInspectTraversalRecommendsBlock(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})

	req := benignRequest("203.0.113.52")
	req.Path = "/../../etc/passwd"
	req.Query = ""
	result := ins.Inspect(context.Background(), req)

	require.True(t, result.IsAttack())
	assert.Equal(t, AttackPathTraversal, result.Classification.Type)
	assert.Equal(t, SeverityCritical, result.Severity)
	assert.Equal(t, ActionBlockSuggested, result.Action)
	assert.Equal(t, StateEscalated, result.State)

	// The ledger keeps the classification for the admin surface.
	summary := ins.Ledger().Summary()
	assert.Equal(t, 1, summary.ActiveAttacks[AttackPathTraversal])
}

func TestInspectBlockedSourceRejected(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})
	ctx := context.Background()

	_, err := ins.BlockSource(ctx, "203.0.113.53")
	require.NoError(t, err)

	result := ins.Inspect(ctx, benignRequest("203.0.113.53"))
	assert.Equal(t, ActionRejected, result.Action)
	assert.Equal(t, SeverityCritical, result.Severity)
	assert.Equal(t, StateEscalated, result.State)
	// A known-bad source short-circuits to maximum risk.
	assert.Equal(t, 100.0, result.Risk.Score)

	_, err = ins.UnblockSource(ctx, "203.0.113.53")
	require.NoError(t, err)
	result = ins.Inspect(ctx, benignRequest("203.0.113.53"))
	assert.Equal(t, ActionAllowed, result.Action)
}

func TestInspectRateAbuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.MaxRequests = 2
	ins := newTestInspector(t, cfg, InspectorOptions{})
	ctx := context.Background()

	var result InspectionResult
	for i := 0; i < 3; i++ {
		result = ins.Inspect(ctx, benignRequest("203.0.113.54"))
	}

	require.True(t, result.IsAttack())
	assert.Equal(t, AttackRateAbuse, result.Classification.Type)
	assert.InDelta(t, cfg.RateLimit.AbuseConfidence, result.Classification.Confidence, 1e-9)
	assert.Equal(t, ActionRateLimited, result.Action)
}

func TestInspectBruteForceAfterAuthFailures(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < DefaultConfig().BruteForce.Threshold; i++ {
		require.NoError(t, ins.ReportAuthFailure(ctx, "203.0.113.55", now.Add(time.Duration(i)*time.Second)))
	}

	req := benignRequest("203.0.113.55")
	req.Method = "POST"
	req.Path = "/api/login"
	result := ins.Inspect(ctx, req)

	require.True(t, result.IsAttack())
	assert.Equal(t, AttackBruteForce, result.Classification.Type)
	assert.Equal(t, SeverityCritical, result.Severity)
	assert.Equal(t, ActionBlockSuggested, result.Action)
}

func TestInspectPriorityTieBreak(t *testing.T) {
	cfg := DefaultConfig()
	detections := []DetectionResult{
		{Type: AttackXSS, Confidence: 0.8},
		{Type: AttackSQLi, Confidence: 0.8},
	}
	primary := pickPrimary(cfg, detections)
	assert.Equal(t, AttackSQLi, primary.Type)

	// Higher confidence beats priority.
	detections = []DetectionResult{
		{Type: AttackSQLi, Confidence: 0.5},
		{Type: AttackRateAbuse, Confidence: 0.9},
	}
	primary = pickPrimary(cfg, detections)
	assert.Equal(t, AttackRateAbuse, primary.Type)

	primary = pickPrimary(cfg, nil)
	assert.Equal(t, AttackNone, primary.Type)
}

// failingStore simulates an unreachable backing store.
type failingStore struct{}

func (failingStore) GetReputation(context.Context, string) (ReputationRecord, bool, error) {
	return ReputationRecord{}, false, ErrStateUnavailable
}

func (failingStore) UpdateReputation(context.Context, string, func(*ReputationRecord)) (ReputationRecord, error) {
	return ReputationRecord{}, ErrStateUnavailable
}

func (failingStore) AppendWindow(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, ErrStateUnavailable
}

func (failingStore) CountWindow(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, ErrStateUnavailable
}

func (failingStore) Expire(context.Context, string, time.Duration) error {
	return ErrStateUnavailable
}

func (failingStore) HealthCheck(context.Context) error { return ErrStateUnavailable }

func TestInspectDegradesWhenStoreUnavailable(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{Store: failingStore{}})

	req := benignRequest("203.0.113.56")
	req.Body = "username=admin' OR 1=1 --"
	req.Method = "POST"
	result := ins.Inspect(context.Background(), req)

	// Content detection still classifies; history multipliers stay neutral.
	require.True(t, result.IsAttack())
	assert.Equal(t, AttackSQLi, result.Classification.Type)
	assert.True(t, result.Degraded)
	assert.Equal(t, 1.0, result.Risk.FrequencyMultiplier)
	assert.Equal(t, 1.0, result.Risk.ReputationMultiplier)
	assert.Error(t, ins.HealthCheck(context.Background()))
}

func TestInspectTruncatesOversizedFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFieldBytes = 64
	ins := newTestInspector(t, cfg, InspectorOptions{})

	req := benignRequest("203.0.113.57")
	req.Body = "username=admin' OR 1=1 --"
	for len(req.Body) < 10000 {
		req.Body += " padding padding padding"
	}
	req.Method = "POST"
	result := ins.Inspect(context.Background(), req)

	// The attack prefix survives truncation.
	require.True(t, result.IsAttack())
	assert.Equal(t, AttackSQLi, result.Classification.Type)
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})

	bad := DefaultConfig()
	bad.EntropyThreshold = -1
	assert.ErrorIs(t, ins.ApplyConfig(bad), ErrConfig)

	good := DefaultConfig()
	good.RateLimit.MaxRequests = 7
	require.NoError(t, ins.ApplyConfig(good))
	assert.Equal(t, 7, ins.Config().RateLimit.MaxRequests)
}
