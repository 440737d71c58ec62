package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error      string              `json:"error"`
	Kind       string              `json:"kind"`
	Fields     []apperr.FieldError `json:"fields,omitempty"`
	Reason     apperr.Reason       `json:"reason,omitempty"`
	Violations []string            `json:"violations,omitempty"`
	Achieved   any                 `json:"achieved,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps typed pipeline failures to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *apperr.ValidationError
		uerr *apperr.UpstreamError
		rerr *apperr.ReasoningError
		cerr *apperr.ConstraintViolation
		serr *apperr.StateConflict
	)
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status, resp.Kind, resp.Fields = http.StatusBadRequest, "validation", verr.Fields
	case errors.As(err, &cerr):
		status, resp.Kind = http.StatusUnprocessableEntity, "constraint_violation"
		resp.Violations, resp.Achieved = cerr.Violations, cerr.Achieved
	case errors.As(err, &serr):
		status, resp.Kind = http.StatusConflict, "state_conflict"
	case errors.Is(err, store.ErrNotFound):
		status, resp.Kind = http.StatusNotFound, "not_found"
	case errors.As(err, &rerr):
		status, resp.Kind, resp.Reason = http.StatusBadGateway, "reasoning", rerr.Reason
	case errors.As(err, &uerr):
		status, resp.Kind = http.StatusServiceUnavailable, "upstream"
		w.Header().Set("Retry-After", "5")
	default:
		resp.Kind = "internal"
		resp.Error = http.StatusText(http.StatusInternalServerError)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	present, err := h.decodeOptional(w, r, v)
	if err == nil && !present {
		err = apperr.Invalid("body", "request body is required")
	}
	return err
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) (bool, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, apperr.NewValidationError(fmt.Errorf("decode request body: %w", err))
	}
	return true, h.check(v)
}

// check runs struct validation and reports failures by JSON field name.
func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields = append(fields, apperr.FieldError{Field: fieldPath(fe), Error: msg})
	}
	return apperr.NewValidationError(errors.New("invalid request"), fields...)
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[i+1:]
		}
	}
	return ns
}
