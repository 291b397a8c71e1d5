package webguard

import (
	"testing"
	"time"
)

func anomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Enabled:           true,
		WindowSeconds:     300,
		PathRepeatLimit:   5,
		ActivityLimit:     20,
		MinClassification: 0.6,
	}
}

func TestProfilerQuietSource(t *testing.T) {
	profiler := NewRequestProfiler(5*time.Minute, 256)
	now := time.Now()
	profiler.Observe("198.51.100.20", "/home", now)

	verdict := profiler.Assess("198.51.100.20", "/home", now, anomalyConfig())
	if verdict.Confidence != 0 {
		t.Fatalf("quiet source must not look anomalous: %+v", verdict)
	}
}

func TestProfilerPathHammering(t *testing.T) {
	profiler := NewRequestProfiler(5*time.Minute, 256)
	cfg := anomalyConfig()
	now := time.Now()

	for i := 0; i < cfg.PathRepeatLimit+1; i++ {
		profiler.Observe("198.51.100.21", "/api/export", now.Add(time.Duration(i)*time.Second))
	}
	verdict := profiler.Assess("198.51.100.21", "/api/export", now.Add(10*time.Second), cfg)
	if verdict.Confidence != 0.3 {
		t.Fatalf("expected path-repeat signal 0.3, got %+v", verdict)
	}
}

func TestProfilerBothSignals(t *testing.T) {
	profiler := NewRequestProfiler(5*time.Minute, 256)
	cfg := anomalyConfig()
	now := time.Now()

	for i := 0; i < cfg.ActivityLimit+1; i++ {
		profiler.Observe("198.51.100.22", "/api/export", now.Add(time.Duration(i)*time.Second))
	}
	verdict := profiler.Assess("198.51.100.22", "/api/export", now.Add(30*time.Second), cfg)
	if verdict.Confidence != 0.7 {
		t.Fatalf("expected stacked anomaly confidence 0.7, got %+v", verdict)
	}
	if verdict.Type != AttackAnomaly {
		t.Fatalf("expected anomaly classification, got %s", verdict.Type)
	}
}

func TestProfilerWindowAgesOut(t *testing.T) {
	profiler := NewRequestProfiler(time.Minute, 256)
	cfg := anomalyConfig()
	now := time.Now()

	for i := 0; i < 30; i++ {
		profiler.Observe("198.51.100.23", "/api/export", now.Add(time.Duration(i)*time.Second))
	}
	verdict := profiler.Assess("198.51.100.23", "/api/export", now.Add(10*time.Minute), cfg)
	if verdict.Confidence != 0 {
		t.Fatalf("aged-out history must not classify: %+v", verdict)
	}
}

func TestProfilerCleanup(t *testing.T) {
	profiler := NewRequestProfiler(time.Minute, 256)
	now := time.Now()
	profiler.Observe("198.51.100.24", "/home", now)
	profiler.Cleanup(now.Add(time.Hour))

	profiler.mu.Lock()
	remaining := len(profiler.profiles)
	profiler.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all profiles evicted, got %d", remaining)
	}
}
