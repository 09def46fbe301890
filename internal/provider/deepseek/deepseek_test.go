package deepseek

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
)

func collect(t *testing.T, events <-chan domain.UpstreamEvent, errs <-chan error) ([]domain.UpstreamEvent, error) {
	t.Helper()

	var got []domain.UpstreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got, <-errs
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestNewCompletionRequest(t *testing.T) {
	payload, err := NewCompletionRequest(domain.ChatRequest{Message: "hello"}, true)
	if err != nil {
		t.Fatalf("NewCompletionRequest() error = %v", err)
	}

	data, _ := json.Marshal(payload)
	want := `{"model":"deepseek-chat","messages":[{"role":"user","content":"hello"}],"max_tokens":2000,"temperature":0.7,"stream":true}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}

	payload, err = NewCompletionRequest(domain.ChatRequest{Message: "hi", Model: "deepseek-reasoner"}, false)
	if err != nil {
		t.Fatalf("NewCompletionRequest() error = %v", err)
	}
	if payload.Model != "deepseek-reasoner" || payload.Stream {
		t.Errorf("payload = %+v", payload)
	}

	if _, err := NewCompletionRequest(domain.ChatRequest{}, true); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty message error = %v, want ErrInvalidRequest", err)
	}
}

func TestNewHTTPRequest_Headers(t *testing.T) {
	c := New("sk-abc", "https://example.test/v1/", nil)

	payload, _ := NewCompletionRequest(domain.ChatRequest{Message: "hello"}, true)
	req, err := c.newHTTPRequest(context.Background(), payload)
	if err != nil {
		t.Fatalf("newHTTPRequest() error = %v", err)
	}

	if req.URL.String() != "https://example.test/v1/chat/completions" {
		t.Errorf("URL = %s", req.URL)
	}
	if req.Method != http.MethodPost {
		t.Errorf("Method = %s", req.Method)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-abc" {
		t.Errorf("Authorization = %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q", got)
	}
}

func TestChatCompletionStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		// Frames deliberately split mid-line across writes.
		parts := []string{
			": keep-alive\n\ndata: {\"choices\":[{\"delta\":{\"reasoning_content\":\"th",
			"ink\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ans\"}}]}\n",
			"\ndata: {\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":3,\"total_tokens\":5}}\n\n",
			"data: [DONE]\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n",
		}
		for _, p := range parts {
			io.WriteString(w, p)
			flusher.Flush()
		}
	}))
	defer server.Close()

	c := New("sk-test", server.URL, server.Client())
	events, errs := c.ChatCompletionStream(context.Background(), domain.ChatRequest{Message: "hi"})
	got, err := collect(t, events, errs)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("events = %+v, want 4", got)
	}
	if got[0].Kind != domain.EventDelta || got[0].Reasoning != "think" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != domain.EventDelta || got[1].Answer != "ans" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Kind != domain.EventUsage || got[2].Usage.TotalTokens != 5 {
		t.Errorf("event 2 = %+v", got[2])
	}
	if got[3].Kind != domain.EventDone {
		t.Errorf("event 3 = %+v", got[3])
	}
}

func TestChatCompletionStream_ImplicitDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"cut\"}}]}\n\n")
	}))
	defer server.Close()

	c := New("sk-test", server.URL, server.Client())
	events, errs := c.ChatCompletionStream(context.Background(), domain.ChatRequest{Message: "hi"})
	got, err := collect(t, events, errs)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if len(got) != 2 || got[0].Answer != "cut" || got[1].Kind != domain.EventDone {
		t.Errorf("events = %+v, want delta then done", got)
	}
}

func TestChatCompletionStream_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached"}}`)
	}))
	defer server.Close()

	c := New("sk-test", server.URL, server.Client())
	events, errs := c.ChatCompletionStream(context.Background(), domain.ChatRequest{Message: "hi"})
	got, err := collect(t, events, errs)

	if len(got) != 0 {
		t.Errorf("events = %+v, want none", got)
	}

	var uerr *domain.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *domain.UpstreamError", err)
	}
	if uerr.StatusCode != http.StatusTooManyRequests || uerr.Message != "Rate limit reached" {
		t.Errorf("UpstreamError = %+v", uerr)
	}
}

func TestChatCompletionStream_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New("sk-test", url, nil)
	events, errs := c.ChatCompletionStream(context.Background(), domain.ChatRequest{Message: "hi"})
	_, err := collect(t, events, errs)

	if !errors.Is(err, domain.ErrUpstreamTransport) {
		t.Errorf("error = %v, want ErrUpstreamTransport", err)
	}
}

func TestChatCompletionStream_MissingAPIKey(t *testing.T) {
	c := New("", "http://127.0.0.1:1", nil)
	events, errs := c.ChatCompletionStream(context.Background(), domain.ChatRequest{Message: "hi"})
	_, err := collect(t, events, errs)

	if !errors.Is(err, domain.ErrAPIKeyMissing) {
		t.Errorf("error = %v, want ErrAPIKeyMissing", err)
	}
}

func TestChatCompletionStream_CancelAbortsUpstream(t *testing.T) {
	released := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New("sk-test", server.URL, server.Client())
	events, errs := c.ChatCompletionStream(ctx, domain.ChatRequest{Message: "hi"})

	if ev := <-events; ev.Answer != "a" {
		t.Fatalf("first event = %+v", ev)
	}
	cancel()

	for range events {
	}
	if err := <-errs; err != nil {
		t.Errorf("error after cancel = %v, want nil", err)
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not aborted")
	}
}

func TestChatCompletion(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "cmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "4", "reasoning_content": "2+2"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`)
	}))
	defer server.Close()

	c := New("sk-test", server.URL, server.Client())
	res, err := c.ChatCompletion(context.Background(), domain.ChatRequest{Message: "2+2?", Model: "deepseek-reasoner"})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if res.Response != "4" || res.ReasoningContent != "2+2" || res.Model != "deepseek-reasoner" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if gotBody["stream"] != false {
		t.Errorf("upstream stream flag = %v, want false", gotBody["stream"])
	}
}

func TestChatCompletion_IrregularUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":"n/a"}`)
	}))
	defer server.Close()

	c := New("sk-test", server.URL, server.Client())
	res, err := c.ChatCompletion(context.Background(), domain.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if res.Response != "ok" {
		t.Errorf("Response = %q, want ok", res.Response)
	}

	out, _ := json.Marshal(res.Usage)
	if string(out) != `"n/a"` {
		t.Errorf("usage = %s, want upstream value verbatim", out)
	}
}

func TestChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"upstream message", http.StatusUnauthorized, `{"error":{"message":"Authentication Fails"}}`, "Authentication Fails"},
		{"non-json error", http.StatusBadGateway, `<html>bad gateway</html>`, "error calling DeepSeek API"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "malformed completion response"},
		{"garbage body", http.StatusOK, `not json`, "malformed completion response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c := New("sk-test", server.URL, server.Client())
			_, err := c.ChatCompletion(context.Background(), domain.ChatRequest{Message: "hi"})

			var uerr *domain.UpstreamError
			if !errors.As(err, &uerr) {
				t.Fatalf("error = %v, want *domain.UpstreamError", err)
			}
			if uerr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", uerr.Message, tt.wantMessage)
			}
			if !strings.Contains(string(uerr.Details), strings.TrimSpace(tt.body)) {
				t.Errorf("Details = %q", uerr.Details)
			}
		})
	}
}
