package store

import "errors"

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("queue store unavailable")
	ErrClosed      = errors.New("queue store closed")
)
