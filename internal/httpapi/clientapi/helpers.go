package clientapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
)

// decodeJSON decodes the request body into v, writing an envelope error and
// returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, start time.Time, v any) bool {
	if r.Body == nil {
		envelope.WriteError(w, start, apierrors.Invalid(apierrors.CodeInvalidInput, "request body required"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		envelope.WriteError(w, start, apierrors.Invalid(apierrors.CodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

// decodeJSONOptional decodes the request body when present; a missing or
// empty body is not an error (used for endpoints with optional payloads).
func decodeJSONOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

func recommendedBuildNotFound(channel domain.Channel) error {
	return apierrors.NotFound(apierrors.CodeBuildNotFound, "no recommended build for channel").
		WithDetails("channel", string(channel))
}
