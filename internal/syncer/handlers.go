package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/emilyakhya/MMS/internal/types"
	"github.com/emilyakhya/MMS/internal/validation"
)

// TypeDeferredRequest is the sync queue type for a backend request
// recorded while offline.
const TypeDeferredRequest = "deferred_request"

// DeferredRequest is the payload of a deferred_request item.
type DeferredRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Validate checks that the request can be replayed.
func (r DeferredRequest) Validate() error {
	var c validation.Collector
	c.Add(validation.ValidateEnum("method", r.Method, replayMethods))
	c.Add(validation.ValidateRequired("path", r.Path))
	if r.Path != "" && !strings.HasPrefix(r.Path, "/") {
		c.Add(&validation.ValidationError{Field: "path", Message: "must start with /"})
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		c.Add(&validation.ValidationError{Field: "body", Message: "must be valid JSON"})
	}
	return c.Err()
}

var replayMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Replayer sends a raw backend request. Implemented by backend.Client.
type Replayer interface {
	Replay(ctx context.Context, method, path string, body json.RawMessage) error
}

// DeferredRequestHandler replays deferred_request items through r.
func DeferredRequestHandler(r Replayer) Handler {
	return func(ctx context.Context, item types.SyncQueueItem) error {
		var req DeferredRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return fmt.Errorf("decode deferred request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid deferred request: %w", err)
		}
		return r.Replay(ctx, req.Method, req.Path, req.Body)
	}
}
