package worker

import (
	"math"
	"time"

	"calsyncd/internal/config"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// PolicyFromConfig maps the sync section onto a retry policy, filling
// zero values with the standard ladder (1s doubling, 5m ceiling, 5 tries).
func PolicyFromConfig(cfg config.SyncConfig) RetryPolicy {
	policy := RetryPolicy{
		MaxRetries:    cfg.MaxAttempts,
		InitialDelay:  cfg.InitialBackoff,
		MaxDelay:      cfg.MaxBackoff,
		BackoffFactor: 2,
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Minute
	}
	return policy
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
