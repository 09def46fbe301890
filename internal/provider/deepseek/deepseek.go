// Package deepseek talks to the DeepSeek chat-completion API.
package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
	"github.com/felipepmaragno/deepseek-relay/internal/httputil"
	"github.com/felipepmaragno/deepseek-relay/internal/sse"
	"github.com/felipepmaragno/deepseek-relay/internal/telemetry"
)

const (
	DefaultBaseURL = "https://api.deepseek.com/v1"
	DefaultModel   = "deepseek-chat"

	readBufferSize = 32 * 1024
)

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = httputil.DefaultClient()
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

func (c *Client) ID() string {
	return "deepseek"
}

// NewCompletionRequest builds the upstream payload for a single user message.
func NewCompletionRequest(req domain.ChatRequest, stream bool) (domain.CompletionRequest, error) {
	if err := req.Validate(); err != nil {
		return domain.CompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	return domain.CompletionRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: req.Message},
		},
		MaxTokens:   domain.DefaultMaxTokens,
		Temperature: domain.DefaultTemperature,
		Stream:      stream,
	}, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, payload domain.CompletionRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

func (c *Client) do(ctx context.Context, payload domain.CompletionRequest) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, domain.ErrAPIKeyMissing
	}

	httpReq, err := c.newHTTPRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, newUpstreamError(resp.StatusCode, bodyBytes)
	}

	return resp, nil
}

type completionResponse struct {
	Choices []struct {
		Message domain.Message `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// ChatCompletion performs a non-streaming completion.
func (c *Client) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "deepseek.ChatCompletion")
	defer span.End()

	payload, err := NewCompletionRequest(req, false)
	if err != nil {
		return nil, err
	}
	telemetry.AddUpstreamAttributes(span, c.ID(), payload.Model, false)

	resp, err := c.do(ctx, payload)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: read response: %v", domain.ErrUpstreamTransport, err)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	var chatResp completionResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil || len(chatResp.Choices) == 0 {
		perr := &domain.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    "malformed completion response",
			Details:    bodyBytes,
		}
		telemetry.AddErrorAttribute(span, perr)
		return nil, perr
	}

	msg := chatResp.Choices[0].Message
	usage := domain.ParseUsage(chatResp.Usage)
	if usage != nil {
		telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens)
	}

	return &domain.Result{
		Response:         msg.Content,
		ReasoningContent: msg.ReasoningContent,
		Usage:            usage,
		Model:            payload.Model,
	}, nil
}

// ChatCompletionStream starts a streaming completion. Decoded events are
// delivered in order on the first channel, which is closed after the done
// event or on failure. At most one error is sent on the second channel.
// Cancelling ctx aborts the upstream request.
func (c *Client) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.UpstreamEvent, <-chan error) {
	events := make(chan domain.UpstreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		ctx, span := telemetry.StartSpan(ctx, "deepseek.ChatCompletionStream")
		defer span.End()

		payload, err := NewCompletionRequest(req, true)
		if err != nil {
			errs <- err
			return
		}
		telemetry.AddUpstreamAttributes(span, c.ID(), payload.Model, true)

		resp, err := c.do(ctx, payload)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			errs <- err
			return
		}
		defer resp.Body.Close()

		send := func(batch []domain.UpstreamEvent) bool {
			for _, ev := range batch {
				if ev.Kind == domain.EventUsage && ev.Usage != nil {
					telemetry.AddTokenAttributes(span, ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		dec := sse.NewDecoder()
		buf := make([]byte, readBufferSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if !send(dec.Feed(buf[:n])) || dec.Done() {
					return
				}
			}

			if errors.Is(readErr, io.EOF) {
				send(dec.Close())
				return
			}
			if readErr != nil {
				if ctx.Err() != nil {
					return
				}
				err := fmt.Errorf("%w: read stream: %v", domain.ErrUpstreamTransport, readErr)
				telemetry.AddErrorAttribute(span, err)
				errs <- err
				return
			}
		}
	}()

	return events, errs
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newUpstreamError(status int, body []byte) *domain.UpstreamError {
	uerr := &domain.UpstreamError{
		StatusCode: status,
		Message:    "error calling DeepSeek API",
		Details:    body,
	}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		uerr.Message = parsed.Error.Message
	}

	return uerr
}
