package docker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientSucceedsEvenWithoutADaemon(t *testing.T) {
	c, err := NewClient("")
	require.NoError(t, err)
	defer c.Close()
}

func TestPingFailsAgainstUnreachableSocket(t *testing.T) {
	c, err := NewClient("/tmp/relaymesh-test-no-such-docker.sock")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err = c.Ping(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestAvailableReturnsFalseWhenNoDaemonConfigured(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///tmp/relaymesh-test-no-such-docker.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.False(t, Available(ctx))
}
