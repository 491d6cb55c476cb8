package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidAPIKey is returned when a key matches none of the configured hashes.
var ErrInvalidAPIKey = errors.New("invalid API key")

const (
	rejectTTL     = time.Minute
	maxRejections = 10000
)

// APIKeys validates client API keys against a fixed list of bcrypt hashes.
// Verified keys are remembered by digest so bcrypt runs once per key.
// Rejected digests are remembered for a minute, and concurrent bcrypt
// comparisons are capped at GOMAXPROCS so bad keys cannot saturate the CPU.
type APIKeys struct {
	hashes [][]byte
	known  sync.Map // sha256 hex -> client id

	mu       sync.Mutex
	rejected map[string]time.Time

	slots   *semaphore.Weighted
	compare func(hash, key []byte) error
	now     func() time.Time
}

// NewAPIKeys builds a validator over bcrypt hashes.
func NewAPIKeys(hashes []string) (*APIKeys, error) {
	k := &APIKeys{
		hashes:   make([][]byte, 0, len(hashes)),
		rejected: make(map[string]time.Time),
		slots:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		compare:  bcrypt.CompareHashAndPassword,
		now:      time.Now,
	}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		k.hashes = append(k.hashes, []byte(h))
	}
	return k, nil
}

// Len returns the number of configured keys.
func (k *APIKeys) Len() int {
	return len(k.hashes)
}

// Lookup returns a stable client id for a valid key.
func (k *APIKeys) Lookup(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	if id, ok := k.known.Load(digest); ok {
		return id.(string), nil
	}
	if k.recentlyRejected(digest) {
		return "", ErrInvalidAPIKey
	}

	if err := k.slots.Acquire(context.Background(), 1); err != nil {
		return "", err
	}
	defer k.slots.Release(1)

	for i, h := range k.hashes {
		if k.compare(h, []byte(key)) == nil {
			id := fmt.Sprintf("client-%d", i+1)
			k.known.Store(digest, id)
			return id, nil
		}
	}
	k.reject(digest)
	return "", ErrInvalidAPIKey
}

func (k *APIKeys) recentlyRejected(digest string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	until, ok := k.rejected[digest]
	if !ok {
		return false
	}
	if k.now().After(until) {
		delete(k.rejected, digest)
		return false
	}
	return true
}

func (k *APIKeys) reject(digest string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if len(k.rejected) >= maxRejections {
		for d, until := range k.rejected {
			if now.After(until) {
				delete(k.rejected, d)
			}
		}
		if len(k.rejected) >= maxRejections {
			clear(k.rejected)
		}
	}
	k.rejected[digest] = now.Add(rejectTTL)
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}
