// Package backoff computes how long a failed job waits before its next
// attempt. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before retry attempt n, where n starts at 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant waits the same interval before every attempt.
func Constant(interval time.Duration) Strategy {
	return Func(func(int) time.Duration { return interval })
}

// Exponential waits Initial * 2^(attempt-1), capped at Max when Max is
// positive. With Jitter the delay is drawn uniformly from [0, that value].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d *= rand.Float64() //nolint:gosec // jitter, not security
	}
	return time.Duration(d)
}

// Polynomial grows with the fourth power of the attempt:
// attempt^4 + 15 seconds plus up to 30*(attempt+1) seconds of jitter.
// Early retries come quickly while a job that keeps failing backs off to
// hours within ten attempts.
type Polynomial struct {
	// Max caps the delay when positive.
	Max time.Duration
	// NoJitter drops the random component, which tests rely on.
	NoJitter bool
}

// Delay implements Strategy.
func (p Polynomial) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(float64(attempt), 4) + 15
	if !p.NoJitter {
		secs += float64(rand.IntN(30) * (attempt + 1)) //nolint:gosec // jitter, not security
	}
	d := time.Duration(secs * float64(time.Second))
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Default is the strategy the engine uses when none is configured.
func Default() Strategy {
	return Polynomial{Max: 24 * time.Hour}
}
