package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	healthKeyPrefix  = "mailqueue:health:"
	maxUpdateRetries = 100
)

// RedisHealthStore shares health records between processes. Updates use
// optimistic WATCH/MULTI transactions and retry on conflict.
type RedisHealthStore struct {
	client *redis.Client
}

// NewRedisHealthStore creates a store on an existing client.
func NewRedisHealthStore(client *redis.Client) *RedisHealthStore {
	return &RedisHealthStore{client: client}
}

func healthKey(account string) string {
	return healthKeyPrefix + account
}

func (s *RedisHealthStore) Update(ctx context.Context, account string, fn func(rec *HealthRecord, found bool) error) (HealthRecord, error) {
	key := healthKey(account)
	var result HealthRecord

	txf := func(tx *redis.Tx) error {
		rec, found, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&rec, found); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal health record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = rec
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return HealthRecord{}, err
	}
	return HealthRecord{}, fmt.Errorf("update health record %s: too much contention", account)
}

func (s *RedisHealthStore) Get(ctx context.Context, account string) (HealthRecord, bool, error) {
	return readRecord(ctx, s.client, healthKey(account))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readRecord(ctx context.Context, c getter, key string) (HealthRecord, bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthRecord{}, false, nil
	}
	if err != nil {
		return HealthRecord{}, false, fmt.Errorf("get health record %s: %w", key, err)
	}

	var rec HealthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return HealthRecord{}, false, fmt.Errorf("decode health record %s: %w", key, err)
	}
	return rec, true, nil
}
