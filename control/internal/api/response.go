// Package api implements the control plane's HTTP surface (§4.9): query
// submission, deposit, balance, and observability endpoints, exposed under
// /api and authenticated per request via the X-Wallet-Address header
// rather than a login session.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
)

// envelope is the standard JSON response wrapper for API responses.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
//
// The chat endpoint's 402 insufficient-balance response is the exception:
// it writes a flat body with "error" as a string beside the amounts.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrFromDomain translates a relayerr-coded error to its documented HTTP
// status (§7) and writes it as a JSON error response.
func ErrFromDomain(w http.ResponseWriter, err error) {
	code := relayerr.CodeOf(err)
	errJSON(w, relayerr.HTTPStatus(code), err.Error(), string(code))
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
