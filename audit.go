package webguard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oarkflow/log"
)

// AuditEvent is the JSON-shaped record emitted for every inspected request.
type AuditEvent struct {
	ID          string      `json:"id" db:"id"`
	Timestamp   time.Time   `json:"timestamp" db:"timestamp"`
	Source      string      `json:"source" db:"source"`
	Method      string      `json:"method" db:"method"`
	Path        string      `json:"path" db:"path"`
	AttackType  AttackType  `json:"attackType" db:"attack_type"`
	Confidence  float64     `json:"confidence" db:"confidence"`
	RiskScore   float64     `json:"riskScore" db:"risk_score"`
	Severity    Severity    `json:"severity" db:"severity"`
	ActionTaken ActionTaken `json:"actionTaken" db:"action_taken"`
	Degraded    bool        `json:"degraded" db:"degraded"`
	Explanation string      `json:"explanation,omitempty" db:"explanation"`
}

// LogAuditSink writes audit events to a structured logger. The default sink
// when no durable collaborator is configured.
type LogAuditSink struct {
	logger *log.Logger
}

// NewLogAuditSink wraps the given logger.
func NewLogAuditSink(logger *log.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Write(_ context.Context, event AuditEvent) error {
	s.logger.Info().
		Str("id", event.ID).
		Str("source", event.Source).
		Str("method", event.Method).
		Str("path", event.Path).
		Str("attackType", string(event.AttackType)).
		Float64("confidence", event.Confidence).
		Float64("riskScore", event.RiskScore).
		Str("severity", string(event.Severity)).
		Str("action", string(event.ActionTaken)).
		Bool("degraded", event.Degraded).
		Msg("audit")
	return nil
}

func (s *LogAuditSink) Close() error { return nil }

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	timestamp   DATETIME NOT NULL,
	source      TEXT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	attack_type TEXT NOT NULL,
	confidence  REAL NOT NULL,
	risk_score  REAL NOT NULL,
	severity    TEXT NOT NULL,
	action_taken TEXT NOT NULL,
	degraded    INTEGER NOT NULL DEFAULT 0,
	explanation TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_events(source);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
`

const auditInsert = `
INSERT INTO audit_events
	(id, timestamp, source, method, path, attack_type, confidence, risk_score, severity, action_taken, degraded, explanation)
VALUES
	(:id, :timestamp, :source, :method, :path, :attack_type, :confidence, :risk_score, :severity, :action_taken, :degraded, :explanation)
`

// SQLiteAuditSink persists audit events to SQLite through a buffered
// background writer, keeping disk latency off the admission path. When the
// buffer is full the event is dropped and counted; losing an audit row is
// preferable to stalling traffic.
type SQLiteAuditSink struct {
	db      *sqlx.DB
	events  chan AuditEvent
	done    chan struct{}
	logger  *log.Logger
	dropped atomic.Int64
}

// NewSQLiteAuditSink opens (or creates) the database at path and starts the
// writer goroutine.
func NewSQLiteAuditSink(path string, logger *log.Logger) (*SQLiteAuditSink, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("webguard: open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("webguard: create audit schema: %w", err)
	}
	sink := &SQLiteAuditSink{
		db:     db,
		events: make(chan AuditEvent, 1024),
		done:   make(chan struct{}),
		logger: logger,
	}
	go sink.writeLoop()
	return sink, nil
}

func (s *SQLiteAuditSink) Write(_ context.Context, event AuditEvent) error {
	select {
	case s.events <- event:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (s *SQLiteAuditSink) Dropped() int64 { return s.dropped.Load() }

func (s *SQLiteAuditSink) writeLoop() {
	defer close(s.done)
	for event := range s.events {
		if _, err := s.db.NamedExec(auditInsert, event); err != nil {
			s.logger.Error().Err(err).Str("id", event.ID).Msg("audit insert failed")
		}
	}
}

// Close drains buffered events and closes the database.
func (s *SQLiteAuditSink) Close() error {
	close(s.events)
	<-s.done
	return s.db.Close()
}

// multiAuditSink fans one event out to several sinks.
type multiAuditSink struct {
	sinks []AuditSink
}

// MultiAuditSink combines sinks into one. Write errors from individual
// sinks do not stop the others.
func MultiAuditSink(sinks ...AuditSink) AuditSink {
	return &multiAuditSink{sinks: sinks}
}

func (m *multiAuditSink) Write(ctx context.Context, event AuditEvent) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiAuditSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
