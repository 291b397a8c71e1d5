package webguard

import (
	"fmt"
	"sync"
	"time"
)

// RequestProfiler keeps short-lived per-source request fingerprints so the
// anomaly detector can spot unusual traffic shapes without touching the
// persistent store. This is the statistical stand-in for a trained model;
// an ML-backed implementation can replace it behind the same Observe/Assess
// surface.
type RequestProfiler struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	profiles   map[string]*sourceProfile
}

type sourceProfile struct {
	events []profileEvent
}

type profileEvent struct {
	timestamp time.Time
	path      string
}

// NewRequestProfiler creates a profiler with the given sliding window and
// per-source retention cap.
func NewRequestProfiler(window time.Duration, maxEntries int) *RequestProfiler {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &RequestProfiler{
		window:     window,
		maxEntries: maxEntries,
		profiles:   make(map[string]*sourceProfile),
	}
}

// Observe records one request for the source.
func (p *RequestProfiler) Observe(source, path string, at time.Time) {
	if source == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, ok := p.profiles[source]
	if !ok {
		prof = &sourceProfile{}
		p.profiles[source] = prof
	}
	prof.events = append(prof.events, profileEvent{timestamp: at, path: path})
	prof.events = trimProfileEvents(prof.events, at.Add(-p.window))
	if len(prof.events) > p.maxEntries {
		prof.events = prof.events[len(prof.events)-p.maxEntries:]
	}
}

// Assess scores how anomalous the source's recent traffic looks. Hammering
// one path and raw volume each add a fixed increment; the total is clamped
// like any other detector confidence.
func (p *RequestProfiler) Assess(source, path string, at time.Time, cfg AnomalyConfig) DetectionResult {
	acc := &confidenceAccumulator{}
	if source == "" {
		return acc.result(AttackAnomaly)
	}

	p.mu.Lock()
	prof, ok := p.profiles[source]
	var total, samePath int
	if ok {
		prof.events = trimProfileEvents(prof.events, at.Add(-p.window))
		total = len(prof.events)
		for _, ev := range prof.events {
			if ev.path == path {
				samePath++
			}
		}
	}
	p.mu.Unlock()

	if samePath > cfg.PathRepeatLimit {
		acc.add(0.3, fmt.Sprintf("path %s requested %d times in window", path, samePath))
	}
	if total > cfg.ActivityLimit {
		acc.add(0.4, fmt.Sprintf("high activity: %d requests in window", total))
	}
	return acc.result(AttackAnomaly)
}

// Cleanup drops sources whose entire history has aged out.
func (p *RequestProfiler) Cleanup(now time.Time) {
	cutoff := now.Add(-p.window)
	p.mu.Lock()
	defer p.mu.Unlock()
	for source, prof := range p.profiles {
		prof.events = trimProfileEvents(prof.events, cutoff)
		if len(prof.events) == 0 {
			delete(p.profiles, source)
		}
	}
}

func trimProfileEvents(events []profileEvent, cutoff time.Time) []profileEvent {
	idx := 0
	for idx < len(events) && events[idx].timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		return events[idx:]
	}
	return events
}
