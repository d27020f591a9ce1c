package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectReturnsPercentagesInValidRange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap := Collect(ctx)
	require.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	require.LessOrEqual(t, snap.CPUPercent, 100.0)
	require.GreaterOrEqual(t, snap.MemoryPercent, 0.0)
	require.LessOrEqual(t, snap.MemoryPercent, 100.0)
}

func TestCollectDoesNotBlockPastContextDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Collect(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Collect did not return promptly on a cancelled context")
	}
}
