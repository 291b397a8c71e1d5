package webguard

import (
	"context"
	"errors"
	"time"
)

// ErrStateUnavailable marks shared tracker/limiter state that cannot be
// read or written, typically an unreachable backing store. The engine
// degrades to content-only scoring instead of failing the request.
var ErrStateUnavailable = errors.New("webguard: state unavailable")

// StateStore is the narrow contract behind all shared per-source state:
// atomic read-modify-write per key, sliding timestamp windows pruned by
// age, and time-to-live eviction. Single-process deployments use the
// in-memory implementation; multi-process deployments can point the same
// engine at Redis.
type StateStore interface {
	// GetReputation returns the record for source, reporting whether one
	// exists.
	GetReputation(ctx context.Context, source string) (ReputationRecord, bool, error)

	// UpdateReputation applies fn to the record for source under that
	// key's lock, creating the record on first observation, and returns
	// the updated copy.
	UpdateReputation(ctx context.Context, source string, fn func(*ReputationRecord)) (ReputationRecord, error)

	// AppendWindow records at into the sliding window behind key, prunes
	// entries older than window, and returns the remaining count.
	AppendWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)

	// CountWindow prunes and counts the window behind key without
	// recording a new entry.
	CountWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	// Expire schedules the window behind key for eviction after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

// RateLimiter is the sliding-window admission check. A deny is reported to
// the tracker as a rate_abuse detection.
type RateLimiter interface {
	Allow(ctx context.Context, source string, at time.Time) (allowed bool, remaining int, reset time.Time, err error)
}

// AuditSink receives one structured audit event per inspected request.
// Implementations must not block the admission decision; slow sinks buffer
// or drop.
type AuditSink interface {
	Write(ctx context.Context, event AuditEvent) error
	Close() error
}

// AlertSender delivers escalation events to one outbound channel.
type AlertSender interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// MetricsCollector is the observability seam. The in-memory collector
// exports Prometheus text; deployments can plug their own.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ExportPrometheus() string
}
