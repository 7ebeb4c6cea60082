package api

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
)

// GetRequestID returns the request ID set by chi's RequestID middleware,
// or "" when none is present.
func GetRequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}
