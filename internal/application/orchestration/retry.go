package orchestration

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// Class-default retry envelopes, applied when a step descriptor is silent.
var classDefaults = map[domain.ErrorClass]struct {
	maxAttempts int
	backoff     domain.BackoffSpec
}{
	domain.ErrorClassTransient: {
		maxAttempts: 3,
		backoff:     domain.BackoffSpec{InitialDelayMS: 1000, MaxDelayMS: 30_000, Multiplier: 2, Jitter: 0.1},
	},
	domain.ErrorClassRetryable: {
		maxAttempts: 3,
		backoff:     domain.BackoffSpec{InitialDelayMS: 1000, MaxDelayMS: 30_000, Multiplier: 2, Jitter: 0.1},
	},
	domain.ErrorClassRateLimited: {
		maxAttempts: 5,
		backoff:     domain.BackoffSpec{InitialDelayMS: 5000, MaxDelayMS: 300_000, Multiplier: 2, Jitter: 0.1},
	},
	domain.ErrorClassDependencyFailed: {
		maxAttempts: 5,
		backoff:     domain.BackoffSpec{InitialDelayMS: 5000, MaxDelayMS: 300_000, Multiplier: 2, Jitter: 0.1},
	},
}

// RetryDecider resolves a step's effective retry policy and computes
// jittered backoff delays. The zero value is not usable; construct with
// NewRetryDecider.
//
// Delay draws from its own random source so tests (and operators, via a
// fixed seed) get reproducible schedules.
type RetryDecider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// RetryOption configures a RetryDecider.
type RetryOption func(*RetryDecider)

// WithRetrySeed makes the jitter stream deterministic.
func WithRetrySeed(seed uint64) RetryOption {
	return func(d *RetryDecider) {
		d.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// NewRetryDecider creates a RetryDecider.
// Default: a randomly seeded PCG source.
func NewRetryDecider(opts ...RetryOption) *RetryDecider {
	d := &RetryDecider{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ShouldRetry reports whether a failed attempt gets another try: the class
// must be in the step's effective retry set and the attempt count must be
// below the effective max_attempts. A step marked unsafe to retry never
// retries.
func (d *RetryDecider) ShouldRetry(step domain.Step, policies domain.DefinitionPolicies, class domain.ErrorClass, attempt int) bool {
	if !step.SafeToRetry {
		return false
	}
	if !d.retryOn(step, class) {
		return false
	}
	return attempt < d.maxAttempts(step, policies, class)
}

// Delay computes the backoff before the next attempt, where attempt is the
// number of the attempt that just failed:
//
//	base  = min(initial * multiplier^(attempt-1), max)
//	delay = base + uniform(0, jitter*base)
func (d *RetryDecider) Delay(step domain.Step, class domain.ErrorClass, attempt int) time.Duration {
	spec := d.backoffSpec(step, class)

	multiplier := spec.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	base := float64(spec.InitialDelayMS) * math.Pow(multiplier, float64(attempt-1))
	if maxDelay := float64(spec.MaxDelayMS); spec.MaxDelayMS > 0 && base > maxDelay {
		base = maxDelay
	}

	delay := base
	if spec.Jitter > 0 {
		d.mu.Lock()
		delay += d.rng.Float64() * spec.Jitter * base
		d.mu.Unlock()
	}
	return time.Duration(delay * float64(time.Millisecond))
}

// MaxAttempts exposes the effective attempt budget for reporting.
func (d *RetryDecider) MaxAttempts(step domain.Step, policies domain.DefinitionPolicies, class domain.ErrorClass) int {
	if !step.SafeToRetry {
		return 1
	}
	return d.maxAttempts(step, policies, class)
}

func (d *RetryDecider) retryOn(step domain.Step, class domain.ErrorClass) bool {
	if len(step.RetryOnClasses) > 0 {
		for _, c := range step.RetryOnClasses {
			if c == class {
				return true
			}
		}
		return false
	}
	return class.Retryable()
}

func (d *RetryDecider) maxAttempts(step domain.Step, policies domain.DefinitionPolicies, class domain.ErrorClass) int {
	if step.MaxAttempts > 0 {
		return step.MaxAttempts
	}
	if policies.DefaultMaxAttempts > 0 {
		return policies.DefaultMaxAttempts
	}
	if def, ok := classDefaults[class]; ok {
		return def.maxAttempts
	}
	return 1
}

func (d *RetryDecider) backoffSpec(step domain.Step, class domain.ErrorClass) domain.BackoffSpec {
	if step.Backoff != nil {
		return *step.Backoff
	}
	if def, ok := classDefaults[class]; ok {
		return def.backoff
	}
	return domain.BackoffSpec{InitialDelayMS: 1000, MaxDelayMS: 30_000, Multiplier: 2, Jitter: 0.1}
}
