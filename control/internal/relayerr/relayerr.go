// Package relayerr defines the control plane's error kinds (§7) and maps
// them to HTTP status codes at the API boundary.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of error recognized across the control plane.
type Code string

const (
	MalformedFrame          Code = "MALFORMED_FRAME"
	AuthTimeout             Code = "AUTH_TIMEOUT"
	AuthDenied              Code = "AUTH_DENIED"
	NotRegistered           Code = "NOT_REGISTERED"
	CapabilityMismatch      Code = "CAPABILITY_MISMATCH"
	NoIdleNode              Code = "NO_IDLE_NODE"
	JobTimeout              Code = "JOB_TIMEOUT"
	JobFailed               Code = "JOB_FAILED"
	DeadLetter              Code = "DEAD_LETTER"
	InsufficientBalance     Code = "INSUFFICIENT_BALANCE"
	DepositAlreadyProcessed Code = "DEPOSIT_ALREADY_PROCESSED"
	DepositSenderMismatch   Code = "DEPOSIT_SENDER_MISMATCH"
	OnChainFailure          Code = "ONCHAIN_FAILURE"
	PlannerUnavailable      Code = "PLANNER_UNAVAILABLE"
	Internal                Code = "INTERNAL"
)

// Error is a control-plane error carrying a Code for boundary translation.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code from err, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HTTPStatus maps a Code to the HTTP status the API surface returns for it.
func HTTPStatus(code Code) int {
	switch code {
	case NoIdleNode:
		return http.StatusServiceUnavailable
	case InsufficientBalance:
		return http.StatusPaymentRequired
	case DepositAlreadyProcessed, DepositSenderMismatch, MalformedFrame:
		return http.StatusBadRequest
	case AuthDenied, AuthTimeout, NotRegistered:
		return http.StatusUnauthorized
	case JobTimeout, JobFailed, DeadLetter:
		return http.StatusServiceUnavailable
	case CapabilityMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
