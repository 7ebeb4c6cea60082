package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is matched by any 401 response. The stored session has
// already been cleared when it is returned.
var ErrUnauthorized = errors.New("session expired, please log in again")

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// parseDetail extracts the human-readable message from an error body.
// The backend sends {"detail": "..."} or, for validation failures,
// {"detail": [{"msg": "..."}]}.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return ""
}
