package delivery

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls how often and how patiently a rendering is retried on
// one account.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt too, so 1 means no retries.
	MaxAttempts int
	BaseDelay   time.Duration
	// Multiplier is applied once per attempt after the first.
	Multiplier float64
	// MaxDelay caps the delay before jitter is applied. Zero means no cap.
	MaxDelay time.Duration
	// Jitter is the largest amount added to or subtracted from a delay.
	Jitter time.Duration
}

// DefaultRetryPolicy is used when a Coordinator has no policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	Multiplier:  2,
	MaxDelay:    time.Minute,
	Jitter:      500 * time.Millisecond,
}

// Validate reports every field with an impossible value.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %v", p.MaxAttempts))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base delay can't be negative, got %v", p.BaseDelay))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier))
	}
	if p.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("max delay can't be negative, got %v", p.MaxDelay))
	}
	if p.Jitter < 0 {
		errs = append(errs, fmt.Errorf("jitter can't be negative, got %v", p.Jitter))
	}
	return errors.Join(errs...)
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before the next one. r must be in [0, 1); it places the jitter within
// [-Jitter, +Jitter], with 0.5 meaning none. Delay never returns a negative
// duration.
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	// Pow overflows to +Inf for long runs without a cap.
	if d > math.MaxInt64/2 {
		d = math.MaxInt64 / 2
	}

	d += (2*r - 1) * float64(p.Jitter)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
