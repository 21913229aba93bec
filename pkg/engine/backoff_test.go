package engine

import (
	"testing"
	"time"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second

	tests := []struct {
		strategy models.BackoffStrategy
		want     []time.Duration // delay after attempt n, n = 1..4
	}{
		{
			strategy: models.BackoffFixed,
			want:     []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second},
		},
		{
			strategy: models.BackoffLinear,
			want:     []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second},
		},
		{
			strategy: models.BackoffExponential,
			want:     []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			cfg := &models.RetryConfig{
				MaxAttempts: 5,
				Backoff:     tt.strategy,
				BaseDelay:   models.Duration(base),
			}

			for n := 1; n <= len(tt.want); n++ {
				assert.Equal(t, tt.want[n-1], BackoffDelay(cfg, n), "attempt %d", n)
			}
		})
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	assert.Zero(t, BackoffDelay(nil, 1))
	assert.Zero(t, BackoffDelay(&models.RetryConfig{Backoff: models.BackoffFixed}, 0))

	// A config without base_delay falls back to one second.
	cfg := &models.RetryConfig{MaxAttempts: 3, Backoff: models.BackoffExponential}
	assert.Equal(t, time.Second, BackoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, BackoffDelay(cfg, 2))
}
