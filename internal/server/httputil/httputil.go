package httputil

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error response and logs the error.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, status int, msg string, err error, contextFields ...zap.Field) {
	fields := contextFields
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(msg, fields...)
	} else {
		log.Debug(msg, fields...)
	}
	body := ErrorResponse{Error: msg}
	if err != nil {
		body.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		log.Error("Failed to write error response", zap.Error(encErr))
	}
}

// WriteJSONResponse writes v with status and logs on error.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
	}
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errs.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errs.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errs.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.ErrStateConflict):
		return http.StatusConflict
	case errs.Is(err, errs.ErrTransientProvider), errs.Is(err, errs.ErrNoResponses):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status StatusFor picks.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error, contextFields ...zap.Field) {
	status := StatusFor(err)
	WriteJSONError(w, log, status, http.StatusText(status), err, contextFields...)
}

// DecodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("body", "invalid JSON: "+err.Error())
	}
	return nil
}
