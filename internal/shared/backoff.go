package shared

import "time"

type BackoffConfig struct {
	Initial     time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func NormalizeBackoff(cfg BackoffConfig) BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return cfg
}

// Delay returns the wait before the given 1-based attempt: Initial doubled
// per previous attempt, capped at MaxDelay.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = minDuration(d*2, b.MaxDelay)
		if d == b.MaxDelay {
			break
		}
	}
	return minDuration(d, b.MaxDelay)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
