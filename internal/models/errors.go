package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrNetworkUnavailable means the server could not be reached. The caller may retry.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrNotConnected is returned by sends while the stream is not open.
	ErrNotConnected = fmt.Errorf("stream not connected: %w", ErrNetworkUnavailable)
	// ErrUnauthenticated means the bearer token is missing or was rejected.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrStaleResult marks an asynchronous result issued for a selection that is no longer active.
	ErrStaleResult = errors.New("stale result")

	ErrNoConversation   = errors.New("no conversation selected")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMalformedPayload = errors.New("malformed payload")
)
