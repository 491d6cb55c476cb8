package dispatch

import "time"

// Config holds dispatcher tuning.
type Config struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// IdleBackoff is how long a worker sleeps when nothing is due or
	// dispatch is paused.
	IdleBackoff time.Duration
	// StoreErrorBackoff is how long a worker sleeps after a store failure.
	StoreErrorBackoff time.Duration
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight sends.
	ShutdownTimeout time.Duration
	// HealthCheckInterval is the period of the account health loop, and
	// how far a message is deferred when no account is healthy.
	HealthCheckInterval time.Duration
	// StaleClaimTimeout requeues messages left in sending for longer than
	// this. Zero disables it.
	StaleClaimTimeout time.Duration
	// TrackingBaseURL enables open tracking when set.
	TrackingBaseURL string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		IdleBackoff:         time.Second,
		StoreErrorBackoff:   5 * time.Second,
		SendTimeout:         30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		HealthCheckInterval: time.Minute,
		StaleClaimTimeout:   15 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = d.IdleBackoff
	}
	if c.StoreErrorBackoff <= 0 {
		c.StoreErrorBackoff = d.StoreErrorBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.StaleClaimTimeout < 0 {
		c.StaleClaimTimeout = 0
	}
}
