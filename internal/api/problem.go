package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/emilyakhya/MMS/internal/backend"
	"github.com/emilyakhya/MMS/internal/store"
	"github.com/emilyakhya/MMS/internal/syncer"
	"github.com/emilyakhya/MMS/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

const problemBase = "https://mms.local/errors/"

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusBadRequest:          {problemBase + "bad-request", "Bad Request"},
	http.StatusUnauthorized:        {problemBase + "unauthorized", "Unauthorized"},
	http.StatusNotFound:            {problemBase + "not-found", "Not Found"},
	http.StatusConflict:            {problemBase + "conflict", "Conflict"},
	http.StatusUnprocessableEntity: {problemBase + "validation-error", "Validation Error"},
	http.StatusInternalServerError: {problemBase + "internal-error", "Internal Server Error"},
	http.StatusBadGateway:          {problemBase + "backend-error", "Bad Gateway"},
	http.StatusServiceUnavailable:  {problemBase + "service-unavailable", "Service Unavailable"},
}

func problemFor(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt.typeURI = problemBase + "unknown"
		pt.title = http.StatusText(status)
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, problemFor(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: problemFor(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs     validation.Errors
		statusErr *backend.StatusError
	)

	switch {
	case errors.As(err, &verrs):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.Is(err, syncer.ErrOffline):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Cannot sync while offline")
	case errors.Is(err, syncer.ErrDrainInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync is already in progress")
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrClosed):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Local storage unavailable")
	case errors.Is(err, backend.ErrUnauthorized):
		WriteProblem(w, r, http.StatusBadGateway, "Backend session expired; run mms login")
	case errors.As(err, &statusErr):
		WriteProblem(w, r, http.StatusBadGateway, statusErr.Error())
	default:
		slog.Error("request failed", "component", "api", "path", r.URL.Path, "error", err)
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
