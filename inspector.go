package webguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// InspectorOptions wires the engine's collaborators. Only Store is
// mandatory; every other field falls back to an in-process default.
type InspectorOptions struct {
	Store     StateStore
	Limiter   RateLimiter
	Audit     AuditSink
	Alerts    *AlertDispatcher
	Metrics   MetricsCollector
	Logger    *log.Logger
	LedgerTTL time.Duration
}

// Inspector is the inspection orchestrator: it runs every request through
// rate limiting, content detection, frequency analysis and risk scoring,
// then emits the audit trail and any escalation.
type Inspector struct {
	cfg      atomic.Pointer[Config]
	store    StateStore
	tracker  *ReputationTracker
	limiter  RateLimiter
	profiler *RequestProfiler
	audit    AuditSink
	alerts   *AlertDispatcher
	metrics  MetricsCollector
	ledger   *DetectionLedger
	logger   *log.Logger

	stopWatch func() error
	stopClean chan struct{}
}

// New validates cfg and assembles an engine. A config that fails validation
// is fatal; everything after startup degrades instead of failing.
func New(cfg *Config, opts InspectorOptions) (*Inspector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		opts.Store = NewInMemoryStateStore()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewSlidingWindowRateLimiter(opts.Store, cfg.RateLimit)
	}
	if opts.Logger == nil {
		opts.Logger = &log.DefaultLogger
	}
	if opts.Audit == nil {
		opts.Audit = NewLogAuditSink(opts.Logger)
	}
	if opts.Alerts == nil {
		opts.Alerts = NewAlertDispatcher(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewInMemoryMetricsCollector()
	}
	if opts.LedgerTTL <= 0 {
		opts.LedgerTTL = 5 * time.Minute
	}

	ins := &Inspector{
		store:     opts.Store,
		tracker:   NewReputationTracker(opts.Store),
		limiter:   opts.Limiter,
		profiler:  NewRequestProfiler(time.Duration(cfg.Anomaly.WindowSeconds)*time.Second, 0),
		audit:     opts.Audit,
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		ledger:    NewDetectionLedger(opts.LedgerTTL),
		logger:    opts.Logger,
		stopClean: make(chan struct{}),
	}
	ins.cfg.Store(cfg)
	go ins.cleanupLoop()
	return ins, nil
}

// Config returns the live configuration snapshot.
func (ins *Inspector) Config() *Config { return ins.cfg.Load() }

// ApplyConfig swaps in a new validated configuration snapshot.
func (ins *Inspector) ApplyConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ins.cfg.Store(cfg)
	return nil
}

// WatchConfigFile hot-reloads the engine configuration from path.
func (ins *Inspector) WatchConfigFile(path string) error {
	stop, err := WatchConfig(path, ins.logger, func(cfg *Config) {
		ins.cfg.Store(cfg)
	})
	if err != nil {
		return err
	}
	ins.stopWatch = stop
	return nil
}

// Metrics exposes the collector for the admin surface.
func (ins *Inspector) Metrics() MetricsCollector { return ins.metrics }

// Ledger exposes the recent-detection ledger for the admin surface.
func (ins *Inspector) Ledger() *DetectionLedger { return ins.ledger }

// Inspect runs the full pipeline for one request. It always returns a
// result; infrastructure trouble surfaces as Degraded, never as an error
// that would stall admission.
func (ins *Inspector) Inspect(ctx context.Context, req RequestContext) InspectionResult {
	cfg := ins.cfg.Load()
	start := time.Now()
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}
	truncateFields(&req, cfg.MaxFieldBytes)

	result := InspectionResult{
		ID:     uuid.NewString(),
		State:  StateReceived,
		Action: ActionAllowed,
	}

	// Hard-blocked sources skip detection entirely.
	blocked, err := ins.tracker.IsBlocked(ctx, req.Source)
	if err != nil {
		result.Degraded = true
		ins.noteStateError(err, req.Source)
	}
	if blocked {
		result.Classification = DetectionResult{
			Type:        AttackNone,
			Explanation: "source is blocked",
		}
		// Known-bad sources carry maximum risk without re-running detectors.
		result.Risk = RiskAssessment{
			BaseConfidence:       1.0,
			FrequencyMultiplier:  1.0,
			ComplexityMultiplier: 1.0,
			ReputationMultiplier: 1.0,
			TypeWeight:           1.0,
			Score:                100,
		}
		result.Severity = SeverityCritical
		result.Action = ActionRejected
		result.State = StateEscalated
		ins.finish(ctx, req, &result, start)
		return result
	}

	ins.profiler.Observe(req.Source, req.Path, req.Timestamp)
	result.State = StateDetecting

	var detections []DetectionResult
	rateDenied := false

	allowed, _, _, err := ins.limiter.Allow(ctx, req.Source, req.Timestamp)
	if err != nil {
		result.Degraded = true
		ins.noteStateError(err, req.Source)
	} else if !allowed {
		rateDenied = true
		detections = append(detections, DetectionResult{
			Type:        AttackRateAbuse,
			Confidence:  cfg.RateLimit.AbuseConfidence,
			Explanation: fmt.Sprintf("more than %d requests in %ds window", cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds),
		})
	}

	content, panicked := ins.runContentDetectors(req)
	if panicked {
		result.Degraded = true
	}
	detections = append(detections, content...)

	bruteWindow := time.Duration(cfg.BruteForce.WindowSeconds) * time.Second
	failures, err := ins.tracker.AuthFailures(ctx, req.Source, req.Timestamp, bruteWindow)
	if err != nil {
		result.Degraded = true
		ins.noteStateError(err, req.Source)
	} else if failures >= cfg.BruteForce.Threshold {
		detections = append(detections, DetectionResult{
			Type:        AttackBruteForce,
			Confidence:  cfg.BruteForce.Confidence,
			Explanation: fmt.Sprintf("%d auth failures in %ds window", failures, cfg.BruteForce.WindowSeconds),
		})
	}

	if cfg.Anomaly.Enabled {
		verdict := ins.profiler.Assess(req.Source, req.Path, req.Timestamp, cfg.Anomaly)
		if verdict.Confidence >= cfg.Anomaly.MinClassification {
			detections = append(detections, verdict)
		}
	}

	result.State = StateScoring
	result.Detections = detections
	result.Classification = pickPrimary(cfg, detections)

	// History multipliers stay neutral for clean traffic and on degraded
	// state, so content evidence alone still produces a score.
	freqMultiplier, repMultiplier := 1.0, 1.0
	if result.IsAttack() {
		weight := result.Classification.Confidence * cfg.TypeWeight(result.Classification.Type)
		recent, rec, err := ins.tracker.RecordAttack(ctx, req.Source, req.Timestamp, weight, cfg)
		if err != nil {
			result.Degraded = true
			ins.noteStateError(err, req.Source)
		} else {
			freqMultiplier = FrequencyMultiplier(recent)
			repMultiplier = ReputationMultiplier(rec)
		}
	} else if _, err := ins.tracker.RecordBenign(ctx, req.Source, req.Timestamp); err != nil {
		result.Degraded = true
		ins.noteStateError(err, req.Source)
	}

	result.Risk = Score(ScoreInput{
		Confidence:           result.Classification.Confidence,
		FrequencyMultiplier:  freqMultiplier,
		ComplexityMultiplier: ComplexityMultiplier(combineRequestText(req), cfg.EntropyThreshold),
		ReputationMultiplier: repMultiplier,
		TypeWeight:           cfg.TypeWeight(result.Classification.Type),
	})
	result.Severity = cfg.SeverityFor(result.Risk.Score, result.Classification.Confidence)
	result.State = StateClassified

	switch {
	case result.Severity == SeverityCritical:
		result.Action = ActionBlockSuggested
	case rateDenied:
		result.Action = ActionRateLimited
	case result.Severity.AtLeast(cfg.AlertSeverity):
		result.Action = ActionAlerted
	}

	if result.Severity.AtLeast(cfg.AlertSeverity) && result.IsAttack() {
		result.State = StateEscalated
		ins.alerts.Dispatch(&Alert{
			ID:             result.ID,
			Timestamp:      req.Timestamp,
			Source:         req.Source,
			Method:         req.Method,
			Path:           req.Path,
			AttackType:     result.Classification.Type,
			Severity:       result.Severity,
			RiskScore:      result.Risk.Score,
			RecommendBlock: result.Severity == SeverityCritical,
		})
	} else {
		result.State = StateLogged
	}

	if result.IsAttack() {
		ins.ledger.Record(DetectionEvent{
			Source:         req.Source,
			Path:           req.Path,
			Classification: result.Classification,
			RiskScore:      result.Risk.Score,
			Severity:       result.Severity,
			Recorded:       req.Timestamp,
		})
	}

	ins.finish(ctx, req, &result, start)
	return result
}

// runContentDetectors isolates detector faults: a panicking detector marks
// the result degraded instead of taking the request down.
func (ins *Inspector) runContentDetectors(req RequestContext) (results []DetectionResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			results = nil
			ins.logger.Error().
				Str("source", req.Source).
				Str("path", req.Path).
				Interface("panic", r).
				Msg("content detector fault")
		}
	}()
	return DetectContent(req), false
}

func (ins *Inspector) finish(ctx context.Context, req RequestContext, result *InspectionResult, start time.Time) {
	event := AuditEvent{
		ID:          result.ID,
		Timestamp:   req.Timestamp,
		Source:      req.Source,
		Method:      req.Method,
		Path:        req.Path,
		AttackType:  result.Classification.Type,
		Confidence:  result.Classification.Confidence,
		RiskScore:   result.Risk.Score,
		Severity:    result.Severity,
		ActionTaken: result.Action,
		Degraded:    result.Degraded,
		Explanation: result.Classification.Explanation,
	}
	if err := ins.audit.Write(ctx, event); err != nil {
		ins.logger.Error().Err(err).Str("id", result.ID).Msg("audit write failed")
	}

	ins.metrics.IncrementCounter("webguard_requests_total", map[string]string{
		"action": string(result.Action),
	})
	if result.IsAttack() {
		ins.metrics.IncrementCounter("webguard_detections_total", map[string]string{
			"attack":   string(result.Classification.Type),
			"severity": string(result.Severity),
		})
	}
	if result.Degraded {
		ins.metrics.IncrementCounter("webguard_degraded_total", nil)
	}
	ins.metrics.ObserveHistogram("webguard_inspection_seconds", time.Since(start).Seconds(), nil)
}

func (ins *Inspector) noteStateError(err error, source string) {
	if errors.Is(err, ErrStateUnavailable) {
		ins.logger.Warn().Err(err).Str("source", source).Msg("state store unavailable, degrading")
		return
	}
	ins.logger.Error().Err(err).Str("source", source).Msg("tracker error")
}

// pickPrimary chooses the winning classification: highest confidence first,
// configured family priority on ties.
func pickPrimary(cfg *Config, detections []DetectionResult) DetectionResult {
	if len(detections) == 0 {
		return DetectionResult{Type: AttackNone}
	}
	ordered := make([]DetectionResult, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return cfg.priorityRank(ordered[i].Type) < cfg.priorityRank(ordered[j].Type)
	})
	return ordered[0]
}

// ReportAuthFailure is called by the application when a login attempt
// fails; it feeds the brute force detector.
func (ins *Inspector) ReportAuthFailure(ctx context.Context, source string, at time.Time) error {
	cfg := ins.cfg.Load()
	window := time.Duration(cfg.BruteForce.WindowSeconds) * time.Second
	_, err := ins.tracker.RecordAuthFailure(ctx, source, at, window)
	return err
}

// BlockSource marks a source blocked. Administrative operation.
func (ins *Inspector) BlockSource(ctx context.Context, source string) (ReputationRecord, error) {
	return ins.tracker.Block(ctx, source)
}

// UnblockSource clears a block without resetting reputation.
func (ins *Inspector) UnblockSource(ctx context.Context, source string) (ReputationRecord, error) {
	return ins.tracker.Unblock(ctx, source)
}

// ResetSource zeroes a source's reputation and clears its block.
func (ins *Inspector) ResetSource(ctx context.Context, source string) (ReputationRecord, error) {
	return ins.tracker.ResetReputation(ctx, source)
}

// SourceReputation returns the tracked record for a source.
func (ins *Inspector) SourceReputation(ctx context.Context, source string) (ReputationRecord, bool, error) {
	return ins.tracker.Reputation(ctx, source)
}

// HealthCheck reports whether the backing state store is reachable.
func (ins *Inspector) HealthCheck(ctx context.Context) error {
	return ins.store.HealthCheck(ctx)
}

func (ins *Inspector) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			ins.profiler.Cleanup(now)
			ins.ledger.Cleanup()
		case <-ins.stopClean:
			return
		}
	}
}

// Close stops background work and releases the audit sink and config
// watcher.
func (ins *Inspector) Close() error {
	close(ins.stopClean)
	var firstErr error
	if ins.stopWatch != nil {
		firstErr = ins.stopWatch()
	}
	if err := ins.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// truncateFields caps the analyzable request fields so a single oversized
// payload cannot dominate inspection time. Truncation keeps the prefix;
// every detector signal fires on prefixes as well as whole payloads.
func truncateFields(req *RequestContext, max int) {
	if max <= 0 {
		return
	}
	if len(req.Body) > max {
		req.Body = req.Body[:max]
	}
	if len(req.Query) > max {
		req.Query = req.Query[:max]
	}
	if len(req.Path) > max {
		req.Path = req.Path[:max]
	}
	for k, v := range req.Headers {
		if len(v) > max {
			req.Headers[k] = v[:max]
		}
	}
}
