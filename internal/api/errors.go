package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail is an RFC 7807 error response body.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlation_id,omitempty"` //nolint:tagliatelle
}

func newProblem(statusCode int, title, detail, instance, correlationID string) *ProblemDetail {
	return &ProblemDetail{
		Type:          fmt.Sprintf("https://entitler.io/problems/%d", statusCode),
		Title:         title,
		Status:        statusCode,
		Detail:        detail,
		Instance:      instance,
		CorrelationID: correlationID,
	}
}

// BadRequest creates a 400 problem detail.
func BadRequest(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusBadRequest, "Bad Request", detail, instance, correlationID)
}

// NotFound creates a 404 problem detail.
func NotFound(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusNotFound, "Not Found", detail, instance, correlationID)
}

// MethodNotAllowed creates a 405 problem detail.
func MethodNotAllowed(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusMethodNotAllowed, "Method Not Allowed", detail, instance, correlationID)
}

// Conflict creates a 409 problem detail.
func Conflict(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusConflict, "Conflict", detail, instance, correlationID)
}

// PayloadTooLarge creates a 413 problem detail.
func PayloadTooLarge(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusRequestEntityTooLarge, "Payload Too Large", detail, instance, correlationID)
}

// UnsupportedMediaType creates a 415 problem detail.
func UnsupportedMediaType(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusUnsupportedMediaType, "Unsupported Media Type", detail, instance, correlationID)
}

// UnprocessableEntity creates a 422 problem detail.
func UnprocessableEntity(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusUnprocessableEntity, "Unprocessable Entity", detail, instance, correlationID)
}

// InternalServerError creates a 500 problem detail.
func InternalServerError(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusInternalServerError, "Internal Server Error", detail, instance, correlationID)
}

// ServiceUnavailable creates a 503 problem detail.
func ServiceUnavailable(detail, instance, correlationID string) *ProblemDetail {
	return newProblem(http.StatusServiceUnavailable, "Service Unavailable", detail, instance, correlationID)
}

// writeProblem writes an RFC 7807 error response.
func (s *Server) writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		s.logger.Error("failed to encode problem detail",
			slog.String("instance", problem.Instance),
			slog.Any("error", err))
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response body", slog.Any("error", err))
	}
}
