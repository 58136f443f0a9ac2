// Package backoff implements the exponential retry policy shared by the
// transport reconnect loop and the deferred sync trigger.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// maxShift bounds the doubling so Base<<shift cannot overflow time.Duration.
const maxShift = 30

// Config describes a backoff policy.
type Config struct {
	Base        time.Duration // delay before the first retry
	Max         time.Duration // ceiling for a single delay; 0 = no ceiling
	MaxAttempts int           // attempt budget; 0 = unlimited
	Jitter      float64       // extra random delay, fraction of the computed delay
}

// Policy is a stateful exponential backoff. The attempt counter only goes
// back to zero through Reset, which callers invoke on confirmed success.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	attempt int
	rand    func() float64
}

// New creates a policy from cfg.
func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Policy{cfg: cfg, rand: rand.Float64}
}

// Next consumes one attempt and returns the delay to wait before it.
// ok is false once the attempt budget is exhausted.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.MaxAttempts > 0 && p.attempt >= p.cfg.MaxAttempts {
		return 0, false
	}
	shift := min(p.attempt, maxShift)
	p.attempt++

	delay = p.cfg.Base << shift
	if p.cfg.Max > 0 && (delay > p.cfg.Max || delay <= 0) {
		delay = p.cfg.Max
	}
	if p.cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.cfg.Jitter * p.rand())
	}
	return delay, true
}

// Reset clears the attempt counter.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}

// Attempt returns the number of attempts consumed since the last Reset.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}
