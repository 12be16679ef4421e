package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/relay"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := relay.NewRateLimiter(1000, 4096)
	ctx := context.Background()
	err := rl.WaitN(ctx, 4096)
	assert.NoError(t, err)
}

func TestRateLimiterDisabledWithNonPositiveRate(t *testing.T) {
	rl := relay.NewRateLimiter(0, 1)
	ctx := context.Background()
	err := rl.WaitN(ctx, 10_000_000)
	assert.NoError(t, err)
}

func TestRateLimiterWaitCancelledByContext(t *testing.T) {
	rl := relay.NewRateLimiter(1, 1) // 1 byte/sec, burst of 1
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.WaitN(ctx, 1000) // far more than the burst, must wait past the deadline
	require.Error(t, err)
	assert.ErrorIs(t, err, verrors.ErrRateLimitExceeded)
}
