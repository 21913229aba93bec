package engine

import (
	"time"

	"github.com/colonyhq/colony/pkg/models"
)

// defaultBaseDelay applies when a retry config omits base_delay.
const defaultBaseDelay = time.Second

// BackoffDelay returns the delay to wait after attempt n fails, for
// n = 1..max_attempts-1. Fixed stays constant, Linear grows as base*n,
// Exponential as base*2^(n-1).
func BackoffDelay(cfg *models.RetryConfig, attempt int) time.Duration {
	if cfg == nil || attempt < 1 {
		return 0
	}

	base := cfg.BaseDelay.Std()
	if base <= 0 {
		base = defaultBaseDelay
	}

	switch cfg.Backoff {
	case models.BackoffLinear:
		return base * time.Duration(attempt)
	case models.BackoffExponential:
		return base * time.Duration(1<<(attempt-1))
	case models.BackoffFixed:
		return base
	}

	return base
}
