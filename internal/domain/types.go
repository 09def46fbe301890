package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	RoleUser = "user"

	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7
)

// ChatRequest is one inbound chat call after defaults have been applied.
type ChatRequest struct {
	Message string
	Model   string
	Stream  bool
}

func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// CompletionRequest is the body sent to the upstream chat-completion endpoint.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type Message struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage holds upstream token accounting. The original JSON value is kept so
// that it is passed through to clients unchanged. The typed counts are filled
// best-effort and stay zero when upstream reports them in another shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	raw json.RawMessage
}

// ParseUsage wraps a raw usage value. It returns nil when the value is absent
// or JSON null.
func ParseUsage(raw json.RawMessage) *Usage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	u := &Usage{}
	_ = u.UnmarshalJSON(raw)
	return u
}

// UnmarshalJSON never fails: a usage value that does not match the typed
// counts is still carried verbatim.
func (u *Usage) UnmarshalJSON(data []byte) error {
	type counts Usage
	var c counts
	_ = json.Unmarshal(data, &c)
	*u = Usage(c)
	u.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (u Usage) MarshalJSON() ([]byte, error) {
	if len(u.raw) > 0 {
		return u.raw, nil
	}
	type counts Usage
	return json.Marshal(counts(u))
}

type EventKind int

const (
	EventDelta EventKind = iota
	EventUsage
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventUsage:
		return "usage"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// UpstreamEvent is one decoded frame of the upstream stream.
type UpstreamEvent struct {
	Kind      EventKind
	Reasoning string
	Answer    string
	Usage     *Usage
}

const (
	NotificationThinking = "thinking"
	NotificationResponse = "response"
	NotificationError    = "error"
)

// Notification is the progress event relayed to the downstream client.
type Notification struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	FullThinking string `json:"fullThinking,omitempty"`
	FullResponse string `json:"fullResponse,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result is the terminal outcome of one exchange with the upstream API.
type Result struct {
	Response         string `json:"response"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Usage            *Usage `json:"usage"`
	Model            string `json:"model"`
}
