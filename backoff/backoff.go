// Package backoff computes how long a failed job waits before it becomes
// claimable again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy maps the attempt that just failed (1-indexed) to a retry delay.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Quadratic waits Base * attempt², capped at Max. It grows gently for the
// first retries of long imports and exports.
type Quadratic struct {
	Base time.Duration
	Max  time.Duration
}

func NewQuadratic(base, maxDelay time.Duration) *Quadratic {
	return &Quadratic{Base: base, Max: maxDelay}
}

func (q *Quadratic) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capped(float64(q.Base)*float64(attempt*attempt), q.Max)
}

// Exponential waits Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(exp(e.Initial, attempt), e.Max)
}

// ExponentialWithJitter draws uniformly from [0, Exponential delay] so
// workers that failed together do not retry together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	upper := capped(exp(e.Initial, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(upper)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// DefaultStrategy is ExponentialWithJitter from 1s up to 1m.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

func exp(initial time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(initial) * math.Pow(2, float64(attempt-1))
}

func capped(d float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
