package relayerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesUnderlyingCauseForErrorsIs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Internal, "failed to send job assignment", cause)
	require.ErrorIs(t, err, cause)
}

func TestCodeOfExtractsCodeFromWrappedError(t *testing.T) {
	err := New(NoIdleNode, "no idle nodes available")
	require.Equal(t, NoIdleNode, CodeOf(err))
}

func TestCodeOfDefaultsToInternalForPlainError(t *testing.T) {
	require.Equal(t, Internal, CodeOf(errors.New("some plain error")))
}

func TestHTTPStatusMapsEveryCode(t *testing.T) {
	cases := map[Code]int{
		MalformedFrame:          http.StatusBadRequest,
		AuthTimeout:             http.StatusUnauthorized,
		AuthDenied:              http.StatusUnauthorized,
		NotRegistered:           http.StatusUnauthorized,
		CapabilityMismatch:      http.StatusUnprocessableEntity,
		NoIdleNode:              http.StatusServiceUnavailable,
		JobTimeout:              http.StatusServiceUnavailable,
		JobFailed:               http.StatusServiceUnavailable,
		DeadLetter:              http.StatusServiceUnavailable,
		InsufficientBalance:     http.StatusPaymentRequired,
		DepositAlreadyProcessed: http.StatusBadRequest,
		DepositSenderMismatch:   http.StatusBadRequest,
		OnChainFailure:          http.StatusInternalServerError,
		PlannerUnavailable:      http.StatusInternalServerError,
		Internal:                http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestErrorMessageIncludesWrappedCause(t *testing.T) {
	err := Wrap(PlannerUnavailable, "planner rate limit wait", errors.New("context deadline exceeded"))
	require.Contains(t, err.Error(), "context deadline exceeded")
	require.Contains(t, err.Error(), "PLANNER_UNAVAILABLE")
}
