// Package relay accumulates decoded upstream events into progress
// notifications and the terminal result of a chat exchange.
package relay

import (
	"strings"

	"github.com/felipepmaragno/deepseek-relay/internal/domain"
)

// StreamState is the running total for one request.
type StreamState struct {
	ReasoningSoFar string
	AnswerSoFar    string
	Usage          *domain.Usage
}

// Aggregator owns the StreamState of a single request. Notifications are
// returned in the order their events were applied.
type Aggregator struct {
	model     string
	reasoning strings.Builder
	answer    strings.Builder
	usage     *domain.Usage
	finished  bool
}

func NewAggregator(model string) *Aggregator {
	return &Aggregator{model: model}
}

// Apply folds ev into the state. The returned bool reports whether ev
// finished the stream; after that Apply returns ErrStreamFinished.
func (a *Aggregator) Apply(ev domain.UpstreamEvent) ([]domain.Notification, bool, error) {
	if a.finished {
		return nil, true, domain.ErrStreamFinished
	}

	switch ev.Kind {
	case domain.EventDelta:
		var out []domain.Notification
		if ev.Reasoning != "" {
			a.reasoning.WriteString(ev.Reasoning)
			out = append(out, domain.Notification{
				Type:         domain.NotificationThinking,
				Content:      ev.Reasoning,
				FullThinking: a.reasoning.String(),
			})
		}
		if ev.Answer != "" {
			a.answer.WriteString(ev.Answer)
			out = append(out, domain.Notification{
				Type:         domain.NotificationResponse,
				Content:      ev.Answer,
				FullResponse: a.answer.String(),
			})
		}
		return out, false, nil

	case domain.EventUsage:
		a.usage = ev.Usage
		return nil, false, nil

	case domain.EventDone:
		a.finished = true
		return nil, true, nil
	}

	return nil, false, nil
}

func (a *Aggregator) State() StreamState {
	return StreamState{
		ReasoningSoFar: a.reasoning.String(),
		AnswerSoFar:    a.answer.String(),
		Usage:          a.usage,
	}
}

func (a *Aggregator) Finished() bool {
	return a.finished
}

// Result returns the accumulated reasoning, answer and usage.
func (a *Aggregator) Result() domain.Result {
	return domain.Result{
		Response:         a.answer.String(),
		ReasoningContent: a.reasoning.String(),
		Usage:            a.usage,
		Model:            a.model,
	}
}
