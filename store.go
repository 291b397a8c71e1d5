package webguard

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShardCount = 64

// memoryShard owns a slice of the keyspace. Updates for the same source
// always land on the same shard and serialize on its mutex; different
// sources proceed independently, which bounds contention to hot sources.
type memoryShard struct {
	mu         sync.Mutex
	reputation map[string]*ReputationRecord
	windows    map[string][]time.Time
	expiry     map[string]time.Time
}

// InMemoryStateStore implements StateStore for single-process deployments.
type InMemoryStateStore struct {
	shards [memoryShardCount]*memoryShard
}

// NewInMemoryStateStore creates an empty in-memory store.
func NewInMemoryStateStore() *InMemoryStateStore {
	s := &InMemoryStateStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			reputation: make(map[string]*ReputationRecord),
			windows:    make(map[string][]time.Time),
			expiry:     make(map[string]time.Time),
		}
	}
	return s
}

func (s *InMemoryStateStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShardCount]
}

func (s *InMemoryStateStore) GetReputation(_ context.Context, source string) (ReputationRecord, bool, error) {
	sh := s.shard(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.reputation[source]
	if !ok {
		return ReputationRecord{}, false, nil
	}
	return *rec, true, nil
}

func (s *InMemoryStateStore) UpdateReputation(_ context.Context, source string, fn func(*ReputationRecord)) (ReputationRecord, error) {
	sh := s.shard(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.reputation[source]
	if !ok {
		now := time.Now()
		rec = &ReputationRecord{Source: source, FirstSeen: now, LastSeen: now}
		sh.reputation[source] = rec
	}
	fn(rec)
	return *rec, nil
}

func (s *InMemoryStateStore) AppendWindow(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.evictExpiredLocked(key, at)
	entries := append(sh.windows[key], at)
	entries = pruneWindow(entries, at.Add(-window))
	sh.windows[key] = entries
	return len(entries), nil
}

func (s *InMemoryStateStore) CountWindow(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.evictExpiredLocked(key, now)
	entries := pruneWindow(sh.windows[key], now.Add(-window))
	if len(entries) == 0 {
		delete(sh.windows, key)
		return 0, nil
	}
	sh.windows[key] = entries
	return len(entries), nil
}

func (s *InMemoryStateStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *InMemoryStateStore) HealthCheck(context.Context) error {
	return nil
}

// Cleanup drops expired windows. Call it periodically from a background
// goroutine; reads also evict lazily, so skipping it only costs memory.
func (s *InMemoryStateStore) Cleanup() {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, deadline := range sh.expiry {
			if now.After(deadline) {
				delete(sh.windows, key)
				delete(sh.expiry, key)
			}
		}
		sh.mu.Unlock()
	}
}

// StartCleanup runs Cleanup every interval until the returned stop function
// is called.
func (s *InMemoryStateStore) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (sh *memoryShard) evictExpiredLocked(key string, now time.Time) {
	if deadline, ok := sh.expiry[key]; ok && now.After(deadline) {
		delete(sh.windows, key)
		delete(sh.expiry, key)
	}
}

// pruneWindow drops timestamps at or before cutoff. Entries are appended in
// arrival order, so the slice stays sorted and a single scan suffices.
// Pruning by age rather than count means a backward clock jump can only
// undercount, never overcount.
func pruneWindow(entries []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(entries) && !entries[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return entries[idx:]
}
