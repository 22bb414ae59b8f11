package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxDepth     = 1000
	DefaultMaxAttempts  = 5
	DefaultAckRetention = 10 * time.Minute
)

type Config struct {
	// MaxDepth bounds pending+inflight items per target.
	MaxDepth int
	// MaxAttempts is the number of failed attempts after which an item is dead.
	MaxAttempts  int
	Backoff      Backoff
	AckRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AckRetention <= 0 {
		c.AckRetention = DefaultAckRetention
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Backoff is exponential with symmetric jitter: base*factor^(attempt-1),
// capped at Max, then scaled by a random factor in [1-Jitter, 1+Jitter] and
// capped again.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0.2
	}
	return b
}

// Delay returns the wait before the next attempt. attempt starts at 1.
// rnd returns values in [0,1); nil uses math/rand/v2.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		d *= 1 + b.Jitter*(2*rnd()-1)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
