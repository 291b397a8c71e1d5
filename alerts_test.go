package webguard

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/log"
)

type captureSender struct {
	received chan *Alert
}

func (s *captureSender) Name() string { return "capture" }

func (s *captureSender) Send(_ context.Context, alert *Alert) error {
	s.received <- alert
	return nil
}

func TestDispatcherDeliversToRegisteredSenders(t *testing.T) {
	logger := log.DefaultLogger
	dispatcher := NewAlertDispatcher(&logger)
	sender := &captureSender{received: make(chan *Alert, 1)}
	dispatcher.Register(sender)

	dispatcher.Dispatch(&Alert{
		ID:         "alert-1",
		Timestamp:  time.Now(),
		Source:     "203.0.113.90",
		Path:       "/api/login",
		AttackType: AttackSQLi,
		Severity:   SeverityHigh,
		RiskScore:  67.2,
	})

	select {
	case got := <-sender.received:
		if got.ID != "alert-1" {
			t.Fatalf("unexpected alert: %+v", got)
		}
		if got.Message == "" {
			t.Fatal("dispatcher must fill in the alert message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}
}

func TestAlertMessageNamesTheFamily(t *testing.T) {
	msg := alertMessage(&Alert{
		AttackType: AttackPathTraversal,
		Source:     "203.0.113.91",
		Path:       "/../../etc/passwd",
		RiskScore:  92.1,
	})
	if msg == "" {
		t.Fatal("empty message")
	}
	unknown := alertMessage(&Alert{AttackType: "mystery"})
	if unknown == "" {
		t.Fatal("unknown families still need a message")
	}
}
