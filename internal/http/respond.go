package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/example/roadside-dispatch/internal/errs"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code, message string) map[string]apiError {
	return map[string]apiError{"error": {Code: code, Message: message}}
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindInvalidState, errs.KindAlreadyAccepted, errs.KindAlreadyProcessed:
		return http.StatusConflict
	case errs.KindInsufficientFunds, errs.KindMissingPayoutDestination, errs.KindWrongType:
		return http.StatusUnprocessableEntity
	case errs.KindUpstreamPayment:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError maps a domain error to its status. Anything without a kind is
// logged and reported as a bare internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	if kind == "" {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "internal error"))
		return
	}
	writeJSON(w, statusFor(kind), errorBody(string(kind), errs.MessageOf(err)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return errs.Validation("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, err, "malformed request body")
	}
	return nil
}
