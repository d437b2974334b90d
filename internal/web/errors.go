package web

// errors.go maps domain errors onto HTTP status codes and a uniform
// JSON error body. Technical details are logged server-side with the
// request id; clients get a short message.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/openimaging/bulkmeta/internal/annotate"
	"github.com/openimaging/bulkmeta/internal/jobs"
	"github.com/openimaging/bulkmeta/internal/parse"
	"github.com/openimaging/bulkmeta/internal/remote"
	"github.com/openimaging/bulkmeta/internal/resolve"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError logs err with request context and writes a JSON error
// with a status derived from the error's kind.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"request_id", chimw.GetReqID(r.Context()),
	)

	respondErrorJSON(w, status, err.Error())
}

func respondErrorJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// statusFor picks the response status for a domain error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, annotate.ErrNoTable):
		return http.StatusNotFound
	case errors.Is(err, resolve.ErrSchema),
		errors.Is(err, resolve.ErrValue),
		errors.Is(err, annotate.ErrPrimaryKeyMissing):
		return http.StatusBadRequest
	case errors.Is(err, parse.ErrNothingToDo):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
