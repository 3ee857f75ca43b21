// Package report delivers extracted chat messages to the control plane
// through a SQLite outbox, so transcripts survive network outages and
// session host restarts.
package report

import "time"

// Config tunes outbox batching and delivery retry behavior.
type Config struct {
	// Endpoint is the control plane base URL.
	Endpoint string
	// WorkspaceID scopes the delivery route.
	WorkspaceID string

	BatchMaxWait  time.Duration // flush interval
	BatchMaxSize  int           // max messages per POST
	BatchMaxBytes int           // max payload bytes per POST
	OutboxMaxSize int           // max rows kept before Enqueue rejects

	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
	HTTPTimeout     time.Duration
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		BatchMaxWait:    2 * time.Second,
		BatchMaxSize:    50,
		BatchMaxBytes:   512 * 1024,
		OutboxMaxSize:   10000,
		RetryInitial:    500 * time.Millisecond,
		RetryMax:        30 * time.Second,
		RetryMaxElapsed: 2 * time.Minute,
		HTTPTimeout:     15 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = d.BatchMaxWait
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = d.BatchMaxSize
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = d.BatchMaxBytes
	}
	if c.OutboxMaxSize <= 0 {
		c.OutboxMaxSize = d.OutboxMaxSize
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = d.RetryMaxElapsed
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
}
