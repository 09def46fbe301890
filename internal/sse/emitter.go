package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gosse "github.com/tmaxmax/go-sse"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
)

// Emitter writes progress notifications to a downstream client as SSE frames.
// Every frame is flushed immediately. After Done or Fail the emitter refuses
// further writes; the caller returns from its handler to close the response.
type Emitter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

// NewEmitter commits the streaming response headers with status 200.
func NewEmitter(w http.ResponseWriter, requestID string) *Emitter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if requestID != "" {
		h.Set("X-Request-ID", requestID)
	}
	w.WriteHeader(http.StatusOK)

	return &Emitter{w: w, rc: http.NewResponseController(w)}
}

func (e *Emitter) Send(n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return e.write(string(data))
}

// Done writes the terminal [DONE] frame.
func (e *Emitter) Done() error {
	if err := e.write(doneSentinel); err != nil {
		return err
	}
	e.closed = true
	return nil
}

// Fail writes a single error frame carrying err's message.
func (e *Emitter) Fail(err error) error {
	if werr := e.Send(domain.Notification{Type: domain.NotificationError, Error: err.Error()}); werr != nil {
		return werr
	}
	e.closed = true
	return nil
}

func (e *Emitter) write(data string) error {
	if e.closed {
		return domain.ErrStreamFinished
	}

	msg := &gosse.Message{}
	msg.AppendData(data)
	if _, err := msg.WriteTo(e.w); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
