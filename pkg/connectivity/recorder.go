package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoRecordedStatus is returned by LoadRecorded when no status was stored.
var ErrNoRecordedStatus = errors.New("no recorded connectivity status")

// RedisRecorder stores the latest status in Redis for other processes.
type RedisRecorder struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisRecorder creates a recorder. A zero ttl keeps the key forever.
func NewRedisRecorder(client *redis.Client, ttl time.Duration) *RedisRecorder {
	return &RedisRecorder{redis: client, ttl: ttl}
}

// Record implements Recorder.
func (r *RedisRecorder) Record(ctx context.Context, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := r.redis.Set(ctx, RedisKeyStatus, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store status in redis: %w", err)
	}
	return nil
}

// LoadRecorded reads the status written by a RedisRecorder.
func LoadRecorded(ctx context.Context, client *redis.Client) (Status, error) {
	data, err := client.Get(ctx, RedisKeyStatus).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, ErrNoRecordedStatus
	}
	if err != nil {
		return Status{}, fmt.Errorf("get status: %w", err)
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("parse status: %w", err)
	}
	return st, nil
}
