// Package sse decodes the upstream completion stream and writes progress
// frames to the downstream client.
//
// The Decoder is fed raw bytes as they arrive from the network. It keeps the
// unterminated tail of the previous chunk and only looks at complete lines,
// so the decoded sequence does not depend on where chunk boundaries fall.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder turns a chunked upstream byte stream into UpstreamEvents.
// A Decoder belongs to a single connection and is not safe for concurrent use.
type Decoder struct {
	buf  []byte
	done bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending buffer and returns the events decoded
// from every complete line. Once the done sentinel has been seen, Feed
// ignores all further input.
func (d *Decoder) Feed(chunk []byte) []domain.UpstreamEvent {
	if d.done {
		return nil
	}

	d.buf = append(d.buf, chunk...)

	var events []domain.UpstreamEvent
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		events = d.processLine(line, events)
	}

	if d.done || len(d.buf) == 0 {
		d.buf = nil
	}

	return events
}

// Close marks the end of the upstream stream. Any unterminated remainder is
// processed as a final line, and a done event is emitted if the stream never
// sent the sentinel.
func (d *Decoder) Close() []domain.UpstreamEvent {
	if d.done {
		return nil
	}

	var events []domain.UpstreamEvent
	if len(d.buf) > 0 {
		events = d.processLine(d.buf, events)
		d.buf = nil
	}

	if !d.done {
		d.done = true
		events = append(events, domain.UpstreamEvent{Kind: domain.EventDone})
	}

	return events
}

func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) processLine(line []byte, events []domain.UpstreamEvent) []domain.UpstreamEvent {
	line = bytes.TrimSuffix(line, []byte("\r"))

	payload, ok := bytes.CutPrefix(line, []byte(dataPrefix))
	if !ok {
		return events
	}

	if string(payload) == doneSentinel {
		d.done = true
		return append(events, domain.UpstreamEvent{Kind: domain.EventDone})
	}

	decoded, err := DecodeFrame(payload)
	if err != nil {
		return events
	}

	return append(events, decoded...)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// DecodeFrame decodes the JSON payload of one data line. It returns a delta
// event when the first choice carries reasoning or answer text, followed by a
// usage event when the frame reports token usage.
func DecodeFrame(payload []byte) ([]domain.UpstreamEvent, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFrameParse, err)
	}

	var events []domain.UpstreamEvent

	if len(chunk.Choices) > 0 {
		delta := chunk.Choices[0].Delta
		ev := domain.UpstreamEvent{Kind: domain.EventDelta}
		if delta.ReasoningContent != nil {
			ev.Reasoning = *delta.ReasoningContent
		}
		if delta.Content != nil {
			ev.Answer = *delta.Content
		}
		if ev.Reasoning != "" || ev.Answer != "" {
			events = append(events, ev)
		}
	}

	if usage := domain.ParseUsage(chunk.Usage); usage != nil {
		events = append(events, domain.UpstreamEvent{Kind: domain.EventUsage, Usage: usage})
	}

	return events, nil
}
