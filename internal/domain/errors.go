package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAPIKeyMissing     = errors.New("api key not configured")
	ErrUpstreamTransport = errors.New("upstream transport error")
	ErrUpstreamProtocol  = errors.New("upstream protocol error")
	ErrFrameParse        = errors.New("malformed stream frame")
	ErrStreamFinished    = errors.New("stream already finished")
)

// UpstreamError is returned when the completion API answers with a non-200
// status or a body that does not match the chat-completion contract.
type UpstreamError struct {
	StatusCode int
	Message    string
	Details    []byte
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamProtocol
}
