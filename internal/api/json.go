package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/store"
)

const maxBodyBytes = 1 << 20

// errorBody is the shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a request body, rejecting unknown fields and trailing data.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return failure.Wrap(failure.ValidationFailure, "BAD_BODY", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return failure.New(failure.ValidationFailure, "BAD_BODY", "body must hold a single JSON object")
	}
	return nil
}

// writeError maps err onto a status code and writes the error body.
func writeError(w http.ResponseWriter, err error) {
	status, body := describe(err)
	writeJSON(w, status, body)
}

func describe(err error) (int, errorBody) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: errorDetail{Code: "NOT_FOUND", Message: err.Error()}}
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, errorBody{Error: errorDetail{Code: "VERSION_CONFLICT", Message: err.Error()}}
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusTooManyRequests, errorBody{Error: errorDetail{
			Kind: string(failure.CapacityExceeded), Code: "QUEUE_FULL", Message: err.Error()}}
	}

	var fe *failure.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "INTERNAL", Message: err.Error()}}
	}
	body := errorBody{Error: errorDetail{Kind: string(fe.Kind), Code: fe.Code, Message: fe.Message}}
	switch fe.Kind {
	case failure.ValidationFailure:
		return http.StatusBadRequest, body
	case failure.CapacityExceeded:
		return http.StatusTooManyRequests, body
	case failure.AmbiguityConflict, failure.StaleData:
		return http.StatusConflict, body
	case failure.TransientExternal:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

func badRequest(code, format string, args ...any) error {
	return failure.New(failure.ValidationFailure, code, fmt.Sprintf(format, args...))
}
