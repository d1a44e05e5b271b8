package domain

import (
	"fmt"
	"math"
	"time"
)

// BackoffType names a retry delay schedule
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffPolicy computes the delay before the next attempt of a failed job
type BackoffPolicy struct {
	Type BackoffType   `json:"type" yaml:"type"`
	Base time.Duration `json:"base" yaml:"base"`
	// Cap bounds the computed delay; zero means unbounded
	Cap time.Duration `json:"cap,omitempty" yaml:"cap"`
}

// ExponentialBackoff doubles base after every attempt
func ExponentialBackoff(base time.Duration) BackoffPolicy {
	return BackoffPolicy{Type: BackoffExponential, Base: base}
}

// FixedBackoff waits the same delay between attempts
func FixedBackoff(delay time.Duration) BackoffPolicy {
	return BackoffPolicy{Type: BackoffFixed, Base: delay}
}

// Delay returns the wait after the given (1-based) failed attempt: base*2^(attempt-1)
// for exponential, base for fixed
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	if p.Type == BackoffExponential {
		for i := 1; i < attempt; i++ {
			if p.Cap > 0 && d >= p.Cap {
				break
			}
			// guard against overflow on absurd attempt counts
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	}

	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Validate checks the policy is usable
func (p BackoffPolicy) Validate() error {
	switch p.Type {
	case BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff type %q", p.Type)
	}
	if p.Base < 0 {
		return fmt.Errorf("backoff base must not be negative")
	}
	if p.Cap < 0 {
		return fmt.Errorf("backoff cap must not be negative")
	}
	return nil
}
