// Package envelope implements the API response envelope shared by the
// client, runner, and operator HTTP surfaces (spec §6).
package envelope

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/fleetctl/internal/apierrors"
)

// Meta carries per-request bookkeeping.
type Meta struct {
	RequestID  string `json:"requestID"`
	Timestamp  string `json:"timestamp"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    apierrors.Code `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the canonical response shape: {success, data?, error?, meta?}.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// Page is the pagination request shape.
type Page struct {
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Cursor   string `json:"cursor,omitempty"`
}

// PageResult is the pagination response shape.
type PageResult struct {
	Items      any    `json:"items"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func newMeta(start time.Time) Meta {
	return Meta{
		RequestID:  uuid.NewString(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// WriteOK writes a success envelope wrapping data.
func WriteOK(w http.ResponseWriter, start time.Time, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data, Meta: newMeta(start)})
}

// WriteCreated writes a success envelope with HTTP 201.
func WriteCreated(w http.ResponseWriter, start time.Time, data any) {
	writeJSON(w, http.StatusCreated, Envelope{Success: true, Data: data, Meta: newMeta(start)})
}

// WriteError writes a failure envelope, deriving HTTP status and code from
// err when it is a *apierrors.ServiceError, otherwise defaulting to 500
// Internal.
func WriteError(w http.ResponseWriter, start time.Time, err error) {
	status := http.StatusInternalServerError
	body := &ErrorBody{Code: apierrors.CodeInternal, Message: "internal error"}

	if se, ok := apierrors.As(err); ok {
		status = se.HTTPStatus
		body = &ErrorBody{Code: se.Code, Message: se.Message, Details: se.Details}
	} else if err != nil {
		body.Message = err.Error()
	}

	writeJSON(w, status, Envelope{Success: false, Error: body, Meta: newMeta(start)})
}

func writeJSON(w http.ResponseWriter, status int, v Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
