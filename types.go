package webguard

import (
	"time"
)

// AttackType identifies an attack family.
type AttackType string

const (
	AttackNone             AttackType = "none"
	AttackSQLi             AttackType = "sqli"
	AttackXSS              AttackType = "xss"
	AttackPathTraversal    AttackType = "path_traversal"
	AttackCommandInjection AttackType = "command_injection"
	AttackBruteForce       AttackType = "brute_force"
	AttackRateAbuse        AttackType = "rate_abuse"
	AttackAnomaly          AttackType = "anomaly"
)

// Severity is the coarse escalation tier derived from risk score and
// detector confidence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is the same tier as other or above it.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// InspectionState tracks a request through the inspection pipeline.
// Terminal states are StateLogged and StateEscalated.
type InspectionState string

const (
	StateReceived   InspectionState = "received"
	StateDetecting  InspectionState = "detecting"
	StateScoring    InspectionState = "scoring"
	StateClassified InspectionState = "classified"
	StateEscalated  InspectionState = "escalated"
	StateLogged     InspectionState = "logged"
)

// RequestContext is the normalized request handed to the engine by the
// transport layer. It is immutable once constructed and owned by a single
// inspection call; the engine never parses raw wire bytes.
type RequestContext struct {
	Source    string            `json:"source"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DetectionResult is a single detector's verdict for one request.
type DetectionResult struct {
	Type        AttackType `json:"type"`
	Confidence  float64    `json:"confidence"`
	Explanation string     `json:"explanation,omitempty"`
}

// RiskAssessment carries the base confidence, every multiplier that went
// into the score, and the final clamped 0-100 value. It is computed per
// request and never retained by the engine.
type RiskAssessment struct {
	BaseConfidence       float64 `json:"baseConfidence"`
	FrequencyMultiplier  float64 `json:"frequencyMultiplier"`
	ComplexityMultiplier float64 `json:"complexityMultiplier"`
	ReputationMultiplier float64 `json:"reputationMultiplier"`
	TypeWeight           float64 `json:"typeWeight"`
	Score                float64 `json:"score"`
}

// ReputationRecord is the per-source state the tracker maintains. The
// reputation score only decreases through an explicit external reset.
type ReputationRecord struct {
	Source        string    `json:"source"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	TotalRequests int64     `json:"totalRequests"`
	AttackCount   int64     `json:"attackCount"`
	Reputation    float64   `json:"reputation"`
	Blocked       bool      `json:"blocked"`
}

// ActionTaken is the admission outcome the engine reports for a request.
type ActionTaken string

const (
	ActionAllowed        ActionTaken = "allowed"
	ActionAlerted        ActionTaken = "alerted"
	ActionRateLimited    ActionTaken = "rate_limited"
	ActionBlockSuggested ActionTaken = "block_recommended"
	ActionRejected       ActionTaken = "rejected"
)

// InspectionResult is returned by Inspector.Inspect for every request.
type InspectionResult struct {
	ID             string          `json:"id"`
	Classification DetectionResult `json:"classification"`
	// Detections holds every non-zero detector verdict; Classification is
	// the winner after confidence ordering and priority tie-breaks.
	Detections []DetectionResult `json:"detections,omitempty"`
	Risk       RiskAssessment    `json:"risk"`
	Severity   Severity          `json:"severity"`
	State      InspectionState   `json:"state"`
	Action     ActionTaken       `json:"action"`
	// Degraded is set when shared state was unreachable or a detector
	// faulted; the result is still valid but built from partial signals.
	Degraded bool `json:"degraded,omitempty"`
}

// IsAttack reports whether the request was classified as any attack family.
func (r InspectionResult) IsAttack() bool {
	return r.Classification.Type != AttackNone && r.Classification.Confidence > 0
}
