package webguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisReputationPrefix = "webguard:rep:"
	redisWindowPrefix     = "webguard:win:"
	redisUpdateRetries    = 5
)

// RedisStateStore implements StateStore on Redis so several engine
// processes can share reputation, frequency and rate-window state.
// Reputation records use optimistic WATCH transactions for the per-key
// read-modify-write; sliding windows are sorted sets scored by timestamp
// and pruned with ZREMRANGEBYSCORE.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore connects to redisURL (redis://host:port/db) and
// verifies the connection.
func NewRedisStateStore(ctx context.Context, redisURL string) (*RedisStateStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("webguard: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrStateUnavailable, err)
	}
	return &RedisStateStore{client: client}, nil
}

func (s *RedisStateStore) GetReputation(ctx context.Context, source string) (ReputationRecord, bool, error) {
	data, err := s.client.Get(ctx, redisReputationPrefix+source).Bytes()
	if errors.Is(err, redis.Nil) {
		return ReputationRecord{}, false, nil
	}
	if err != nil {
		return ReputationRecord{}, false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	var rec ReputationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ReputationRecord{}, false, fmt.Errorf("%w: decode reputation: %v", ErrStateUnavailable, err)
	}
	return rec, true, nil
}

func (s *RedisStateStore) UpdateReputation(ctx context.Context, source string, fn func(*ReputationRecord)) (ReputationRecord, error) {
	key := redisReputationPrefix + source
	var updated ReputationRecord

	txn := func(tx *redis.Tx) error {
		var rec ReputationRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			now := time.Now()
			rec = ReputationRecord{Source: source, FirstSeen: now, LastSeen: now}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		fn(&rec)
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, retry
		}
		return ReputationRecord{}, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return ReputationRecord{}, fmt.Errorf("%w: reputation update contention on %s", ErrStateUnavailable, source)
}

func (s *RedisStateStore) AppendWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	redisKey := redisWindowPrefix + key
	cutoff := at.Add(-window).UnixNano()
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(at.UnixNano()), Member: member})
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStateStore) CountWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	redisKey := redisWindowPrefix + key
	cutoff := now.Add(-window).UnixNano()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, redisKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, redisWindowPrefix+key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return nil
}

func (s *RedisStateStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
