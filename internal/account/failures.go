package account

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFailureLogSize bounds how many failures are retained.
const DefaultFailureLogSize = 100

// Failure is one failed delivery attempt or negative delivery event.
type Failure struct {
	Timestamp time.Time `json:"timestamp"`
	Account   string    `json:"account,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Kind      string    `json:"kind"`
	Retryable bool      `json:"retryable"`
	Error     string    `json:"error"`
}

// FailureLog retains the most recent failures. Recent returns up to n
// entries, oldest first.
type FailureLog interface {
	Add(ctx context.Context, f Failure) error
	Recent(ctx context.Context, n int) ([]Failure, error)
}

// MemoryFailureLog keeps failures in a bounded in-process buffer.
type MemoryFailureLog struct {
	mu       sync.RWMutex
	capacity int
	entries  []Failure
}

// NewMemoryFailureLog constructs a log with bounded capacity.
func NewMemoryFailureLog(capacity int) *MemoryFailureLog {
	if capacity <= 0 {
		capacity = DefaultFailureLogSize
	}
	return &MemoryFailureLog{capacity: capacity}
}

// Add stores the failure, evicting the oldest when capacity is exceeded.
func (l *MemoryFailureLog) Add(_ context.Context, f Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, f)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return nil
}

func (l *MemoryFailureLog) Recent(_ context.Context, n int) ([]Failure, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	snapshot := make([]Failure, n)
	copy(snapshot, l.entries[len(l.entries)-n:])
	return snapshot, nil
}

const failureLogKey = "mailqueue:failures"

// RedisFailureLog keeps failures in a capped Redis list so the API and
// the dispatchers see the same history.
type RedisFailureLog struct {
	client   *redis.Client
	capacity int
}

// NewRedisFailureLog creates a log on an existing client.
func NewRedisFailureLog(client *redis.Client, capacity int) *RedisFailureLog {
	if capacity <= 0 {
		capacity = DefaultFailureLogSize
	}
	return &RedisFailureLog{client: client, capacity: capacity}
}

func (l *RedisFailureLog) Add(ctx context.Context, f Failure) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, failureLogKey, data)
		pipe.LTrim(ctx, failureLogKey, 0, int64(l.capacity-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append failure: %w", err)
	}
	return nil
}

func (l *RedisFailureLog) Recent(ctx context.Context, n int) ([]Failure, error) {
	if n <= 0 || n > l.capacity {
		n = l.capacity
	}

	items, err := l.client.LRange(ctx, failureLogKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read failures: %w", err)
	}

	// The list is newest first.
	out := make([]Failure, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var f Failure
		if err := json.Unmarshal([]byte(items[i]), &f); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
