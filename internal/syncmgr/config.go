package syncmgr

import (
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultConcurrency = 3
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultInterval    = time.Minute
	DefaultKickDelay   = 500 * time.Millisecond

	maxConcurrency = 8
)

type Config struct {
	// MaxAttempts is how many failed attempts an item gets before it needs manual retry.
	MaxAttempts int
	// Concurrency caps how many entity kinds drain at once.
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Interval is the periodic drain trigger.
	Interval time.Duration
	// KickDelay debounces drains triggered by local writes.
	KickDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Concurrency: DefaultConcurrency,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		Interval:    DefaultInterval,
		KickDelay:   DefaultKickDelay,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.KickDelay <= 0 {
		c.KickDelay = d.KickDelay
	}
}

func (c *Config) validate() error {
	if c.Concurrency < 1 || c.Concurrency > maxConcurrency {
		return fmt.Errorf("sync concurrency must be between 1 and %d, got %d", maxConcurrency, c.Concurrency)
	}
	return nil
}

// Backoff is the delay before the next attempt after the n-th failure.
func (c Config) Backoff(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := c.BaseBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}
