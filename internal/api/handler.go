package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
	"github.com/felipepmaragno/deepseek-relay/internal/metrics"
	"github.com/felipepmaragno/deepseek-relay/internal/relay"
	"github.com/felipepmaragno/deepseek-relay/internal/sse"
	"github.com/felipepmaragno/deepseek-relay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes   = 1 << 20
	previewRunes   = 50
	modeStream     = "stream"
	modeSync       = "sync"
	statusSuccess  = "success"
	statusError    = "error"
	statusCanceled = "canceled"
)

// ChatProvider is the upstream completion API.
type ChatProvider interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.Result, error)
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.UpstreamEvent, <-chan error)
}

type HandlerConfig struct {
	Provider     ChatProvider
	APIKeyLoaded bool
	DefaultModel string
	StaticDir    string
}

type Handler struct {
	provider     ChatProvider
	apiKeyLoaded bool
	defaultModel string
	now          func() time.Time
	mux          *http.ServeMux
	handler      http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "deepseek-chat"
	}

	h := &Handler{
		provider:     cfg.Provider,
		apiKeyLoaded: cfg.APIKeyLoaded,
		defaultModel: defaultModel,
		now:          time.Now,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.mux.Handle("GET /", newStaticHandler(cfg.StaticDir))

	h.handler = withRequestID(withCORS(withAccessLog(h.mux)))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type chatInput struct {
	Message string `json:"message"`
	Model   string `json:"model"`
	Stream  *bool  `json:"stream"`
}

type chatResponse struct {
	Success          bool          `json:"success"`
	Response         string        `json:"response"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Usage            *domain.Usage `json:"usage"`
	Model            string        `json:"model"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	var in chatInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := domain.ChatRequest{
		Message: in.Message,
		Model:   in.Model,
		Stream:  true,
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}
	if in.Stream != nil {
		req.Stream = *in.Stream
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	if !h.apiKeyLoaded {
		slog.Error("chat request rejected", "error", domain.ErrAPIKeyMissing, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "server is not configured with an API key")
		return
	}

	slog.Info("relaying chat request",
		"request_id", requestID,
		"model", req.Model,
		"stream", req.Stream,
		"message_preview", preview(req.Message),
	)

	if req.Stream {
		h.handleStreamingResponse(w, r, req, requestID)
		return
	}
	h.handleSyncResponse(w, r, req, requestID)
}

func (h *Handler) handleStreamingResponse(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, requestID string) {
	start := time.Now()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "relay.stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, requestID, req.Model, true)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	emitter := sse.NewEmitter(w, requestID)
	agg := relay.NewAggregator(req.Model)

	events, errs := h.provider.ChatCompletionStream(ctx, req)

	for ev := range events {
		notes, done, err := agg.Apply(ev)
		if err != nil {
			// Only ErrStreamFinished: the deferred cancel releases the producer.
			slog.Debug("dropping event after end of stream", "event", ev.Kind.String(), "request_id", requestID)
			return
		}

		for _, n := range notes {
			if err := emitter.Send(n); err != nil {
				slog.Warn("downstream write failed, aborting upstream", "error", err, "request_id", requestID)
				metrics.RecordRequest(modeStream, req.Model, statusCanceled, time.Since(start).Seconds())
				return
			}
			metrics.RecordNotification(n.Type)
		}

		if done {
			if err := emitter.Done(); err != nil {
				slog.Warn("failed to write final frame", "error", err, "request_id", requestID)
			}

			result := agg.Result()
			h.recordCompletion(modeStream, result, start)

			slog.Info("streaming request completed",
				"request_id", requestID,
				"model", req.Model,
				"response_chars", utf8.RuneCountInString(result.Response),
				"reasoning_chars", utf8.RuneCountInString(result.ReasoningContent),
				"latency_ms", time.Since(start).Milliseconds(),
				"trace_id", telemetry.GetTraceID(ctx),
			)
			return
		}
	}

	if err := <-errs; err != nil {
		metrics.RecordUpstreamError(errorType(err))
		metrics.RecordRequest(modeStream, req.Model, statusError, time.Since(start).Seconds())
		telemetry.AddErrorAttribute(span, err)
		slog.Error("streaming error", "error", err, "request_id", requestID)

		if ferr := emitter.Fail(err); ferr != nil {
			slog.Warn("failed to write error frame", "error", ferr, "request_id", requestID)
		}
		return
	}

	metrics.RecordRequest(modeStream, req.Model, statusCanceled, time.Since(start).Seconds())
	slog.Info("client disconnected before completion", "request_id", requestID)
}

func (h *Handler) handleSyncResponse(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, requestID string) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(r.Context(), "relay.sync")
	defer span.End()
	telemetry.AddRequestAttributes(span, requestID, req.Model, false)

	result, err := h.provider.ChatCompletion(ctx, req)
	if err != nil {
		metrics.RecordUpstreamError(errorType(err))
		metrics.RecordRequest(modeSync, req.Model, statusError, time.Since(start).Seconds())
		telemetry.AddErrorAttribute(span, err)
		slog.Error("chat completion failed", "error", err, "request_id", requestID)

		writeJSON(w, http.StatusBadGateway, upstreamFailure(err))
		return
	}

	h.recordCompletion(modeSync, *result, start)

	slog.Info("request completed",
		"request_id", requestID,
		"model", result.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, chatResponse{
		Success:          true,
		Response:         result.Response,
		ReasoningContent: result.ReasoningContent,
		Usage:            result.Usage,
		Model:            result.Model,
	})
}

func (h *Handler) recordCompletion(mode string, result domain.Result, start time.Time) {
	metrics.RecordRequest(mode, result.Model, statusSuccess, time.Since(start).Seconds())
	if result.Usage != nil {
		metrics.RecordTokens(result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}
}

func upstreamFailure(err error) failureResponse {
	resp := failureResponse{Success: false, Error: err.Error()}

	var uerr *domain.UpstreamError
	if errors.As(err, &uerr) {
		resp.Error = uerr.Message
		if len(uerr.Details) > 0 {
			if json.Valid(uerr.Details) {
				resp.Details = json.RawMessage(uerr.Details)
			} else {
				resp.Details = string(uerr.Details)
			}
		}
	}

	return resp
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrUpstreamTransport):
		return "transport"
	case errors.Is(err, domain.ErrUpstreamProtocol):
		return "protocol"
	case errors.Is(err, domain.ErrAPIKeyMissing):
		return "configuration"
	default:
		return "other"
	}
}

func preview(message string) string {
	if utf8.RuneCountInString(message) <= previewRunes {
		return message
	}
	return string([]rune(message)[:previewRunes]) + "..."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, failureResponse{Success: false, Error: message})
}
