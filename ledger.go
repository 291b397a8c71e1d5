package webguard

import (
	"sync"
	"time"
)

// DetectionLedger keeps a TTL-bounded snapshot of the most recent
// classification per source. It backs the admin summary surface; durable
// history belongs to the external audit store.
type DetectionLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*DetectionEvent
}

// DetectionEvent is one ledger entry.
type DetectionEvent struct {
	Source         string          `json:"source"`
	Path           string          `json:"path"`
	Classification DetectionResult `json:"classification"`
	RiskScore      float64         `json:"riskScore"`
	Severity       Severity        `json:"severity"`
	Recorded       time.Time       `json:"recorded"`
}

// DetectionSummary aggregates the live ledger for dashboards.
type DetectionSummary struct {
	ActiveAttacks map[AttackType]int `json:"activeAttacks"`
	ActiveSources int                `json:"activeSources"`
	LastUpdated   time.Time          `json:"lastUpdated"`
}

// NewDetectionLedger creates a ledger whose entries expire after ttl.
func NewDetectionLedger(ttl time.Duration) *DetectionLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetectionLedger{
		ttl:     ttl,
		entries: make(map[string]*DetectionEvent),
	}
}

// Record stores the latest attack classification for the source.
func (l *DetectionLedger) Record(event DetectionEvent) {
	if event.Source == "" || event.Classification.Type == AttackNone {
		return
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now()
	}
	l.mu.Lock()
	l.entries[event.Source] = &event
	l.mu.Unlock()
}

// Snapshot returns all entries still within the TTL.
func (l *DetectionLedger) Snapshot() []DetectionEvent {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]DetectionEvent, 0, len(l.entries))
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	return events
}

// Summary rolls the live entries up by attack family.
func (l *DetectionLedger) Summary() DetectionSummary {
	summary := DetectionSummary{ActiveAttacks: make(map[AttackType]int)}
	events := l.Snapshot()
	summary.ActiveSources = len(events)
	for _, ev := range events {
		summary.ActiveAttacks[ev.Classification.Type]++
		if ev.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = ev.Recorded
		}
	}
	return summary
}

// Cleanup evicts expired entries.
func (l *DetectionLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for source, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, source)
		}
	}
	l.mu.Unlock()
}
