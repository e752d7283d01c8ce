// Package backoff provides the single retry/backoff policy shared by the
// sync queue processor and the realtime channel reconnect loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor is the exponential growth factor applied between retries.
	Factor float64
	// Cap bounds the delay growth.
	Cap time.Duration
	// Jitter randomizes each delay by +/- Jitter to reduce thundering herds.
	Jitter time.Duration
	// MaxAttempts bounds total attempts; <=0 means unbounded.
	MaxAttempts int

	randInt63n func(int64) int64
}

// Normalized returns a copy with zero/invalid fields replaced by sane values.
func (p Policy) Normalized() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Factor <= 1.0 {
		p.Factor = 2.0
	}
	if p.Cap <= 0 {
		p.Cap = 60 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.randInt63n == nil {
		p.randInt63n = rand.Int63n
	}
	return p
}

// Exhausted reports whether the supplied 1-based attempt count has consumed
// the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the sleep before retry number attempt (1-based). The result
// is jittered and never exceeds Cap+Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(attempt-1)))
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if d < j {
			j = d / 2
		}
		if j > 0 {
			span := int64(j)*2 + 1
			d += time.Duration(p.randInt63n(span)) - j
		}
	}
	if max := p.Cap + p.Jitter; d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
