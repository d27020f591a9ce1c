package sandbox

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutOnSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a posix shell command")
	}
	r := NewRunner(5 * time.Second)
	result, err := r.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Output, "hello")
}

func TestRunReturnsErrFailedOnNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a posix shell command")
	}
	r := NewRunner(5 * time.Second)
	result, err := r.Run(context.Background(), "exit 3")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFailed)
	require.Equal(t, 3, result.ExitCode)
}

func TestRunTimesOutLongRunningCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a posix shell command")
	}
	r := NewRunner(50 * time.Millisecond)
	_, err := r.Run(context.Background(), "sleep 5")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFailed)
}

func TestRunEmptyCommandIsNoop(t *testing.T) {
	r := NewRunner(time.Second)
	result, err := r.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, &Result{}, result)
}

func TestNewRunnerDefaultsZeroTimeout(t *testing.T) {
	r := NewRunner(0)
	require.Equal(t, DefaultTimeout, r.Timeout)
}
