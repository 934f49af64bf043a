// Package retry runs an operation under a bounded, jittered exponential
// backoff. A [Policy] is a plain value: it holds no state between calls and
// can be previewed with [Policy.Delays] without running anything.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes when and how often an operation is retried.
type Policy struct {
	// Initial is the upper bound of the first wait.
	Initial time.Duration
	// Multiplier grows the bound after every wait.
	Multiplier float64
	// Max caps the bound of a single wait.
	Max time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Jitter maps a bound to the actual wait. Nil waits the full bound.
	Jitter func(time.Duration) time.Duration
	// Permanent reports errors that must not be retried. Nil retries
	// every error.
	Permanent func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	newTimer func() backoff.Timer
}

// Default is 500ms doubling up to 30s with full jitter, 5 attempts.
var Default = Policy{
	Initial:     500 * time.Millisecond,
	Multiplier:  2,
	Max:         30 * time.Second,
	MaxAttempts: 5,
	Jitter:      FullJitter,
}

// FullJitter returns a uniformly random wait in [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

// Do calls attempt until it succeeds, returns a permanent error, the attempts
// are exhausted or ctx is done. It returns the number of attempts made and the
// last error. Each call of attempt gets the same ctx and shares nothing else
// with previous calls.
func (p Policy) Do(ctx context.Context, attempt func(ctx context.Context) error) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := attempt(ctx)
		if err != nil && p.Permanent != nil && p.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(attempts, err, wait)
		}
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(p.backOff(), ctx), notify, timer)
	return attempts, err
}

// Delays returns the upper bound of every wait the policy can make, in order.
func (p Policy) Delays() []time.Duration {
	b := p.exponential()
	b.Reset()

	var delays []time.Duration
	for i := 1; i < p.attempts(); i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func (p Policy) attempts() int {
	return max(p.MaxAttempts, 1)
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff = p.exponential()
	if p.Jitter != nil {
		b = &jittered{BackOff: b, jitter: p.Jitter}
	}
	return backoff.WithMaxRetries(b, uint64(p.attempts()-1))
}

// jittered applies a jitter function to the waits of the wrapped BackOff.
// The exponential bound is capped before jitter is applied, so a wait never
// exceeds Policy.Max.
type jittered struct {
	backoff.BackOff
	jitter func(time.Duration) time.Duration
}

func (j *jittered) NextBackOff() time.Duration {
	next := j.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return j.jitter(next)
}
