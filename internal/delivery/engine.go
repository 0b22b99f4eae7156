// Package delivery owns the event delivery state machine: one attempt per
// invocation, a persisted audit row per attempt, and a fixed backoff
// schedule until the attempt budget runs out.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vinay02022/Spenzaa/internal/bus"
	"github.com/vinay02022/Spenzaa/internal/model"
	"github.com/vinay02022/Spenzaa/internal/script"
)

const snippetLimit = 500

// EventRepository is the slice of the event store the engine needs.
type EventRepository interface {
	GetWithSubscription(ctx context.Context, id uuid.UUID) (*model.Event, *model.Subscription, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, terminal bool) error
	CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryAttempt, error)
	ClaimRetry(ctx context.Context, attemptID uuid.UUID) (bool, error)
}

type Notifier interface {
	Publish(n bus.Notification)
}

// Doer is the outbound transport. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Engine struct {
	events      EventRepository
	client      Doer
	notifier    Notifier
	timeout     time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewEngine(events EventRepository, notifier Notifier, timeout time.Duration, maxAttempts int) *Engine {
	return &Engine{
		events:      events,
		client:      &http.Client{},
		notifier:    notifier,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// DeliverEvent performs exactly one delivery attempt for the event.
//
// A missing event or a non-ACTIVE subscription is a silent no-op: stale
// retries for cancelled subscriptions land here and must not go out. All
// delivery failures are converted into state (attempt row + event status);
// only storage errors surface to the caller.
func (e *Engine) DeliverEvent(ctx context.Context, eventID uuid.UUID) error {
	event, sub, err := e.events.GetWithSubscription(ctx, eventID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load event: %w", err)
	}
	if sub.Status != model.SubscriptionActive {
		return nil
	}
	// A duplicate trigger for an already-settled event must not burn
	// another attempt.
	if event.Status.Terminal() {
		return nil
	}

	// Persist the attempt counter before the outbound call so a crash
	// mid-flight leaves the event visibly PROCESSING, and so this
	// attemptNumber can never be issued twice.
	attemptNumber := event.Attempts + 1
	if err := e.events.MarkProcessing(ctx, eventID, attemptNumber); err != nil {
		return err
	}

	body := event.Payload
	if sub.TransformScript != nil {
		body, err = script.Transform(*sub.TransformScript, event.Payload, event.EventType, event.Source)
		if err != nil {
			return e.recordFailure(ctx, event, sub, attemptNumber, nil, nil, fmt.Sprintf("transform script: %v", err))
		}
	}

	httpStatus, snippet, callErr := e.post(ctx, sub, event, body)
	if callErr != nil {
		return e.recordFailure(ctx, event, sub, attemptNumber, nil, nil, callErr.Error())
	}

	if httpStatus >= 200 && httpStatus < 300 {
		attempt := &model.DeliveryAttempt{
			EventID:             eventID,
			AttemptNumber:       attemptNumber,
			Status:              model.AttemptSuccess,
			HTTPStatus:          &httpStatus,
			ResponseBodySnippet: &snippet,
		}
		if err := e.events.CreateAttempt(ctx, attempt); err != nil {
			return err
		}
		if err := e.events.MarkDelivered(ctx, eventID); err != nil {
			return err
		}
		slog.Info("event delivered", "event_id", eventID, "attempt", attemptNumber)
		e.notify(bus.KindDelivered, event, sub, model.EventDelivered, attemptNumber, nil)
		return nil
	}

	return e.recordFailure(ctx, event, sub, attemptNumber, &httpStatus, &snippet, fmt.Sprintf("HTTP %d", httpStatus))
}

// post issues the callback POST and captures up to snippetLimit bytes of the
// response body. A body-read error yields an empty snippet, never an error.
func (e *Engine) post(ctx context.Context, sub *model.Subscription, event *model.Event, body []byte) (int, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event-Id", event.ID.String())
	req.Header.Set("X-Webhook-Subscription-Id", sub.ID.String())
	if event.EventType != nil {
		req.Header.Set("X-Webhook-Event-Type", *event.EventType)
	}
	if sub.Secret != nil {
		req.Header.Set("X-Webhook-Secret", *sub.Secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	return resp.StatusCode, string(snippet), nil
}

// recordFailure writes the FAILED attempt row, schedules the retry (or
// declares the failure terminal), and publishes the matching notification —
// strictly in that order.
func (e *Engine) recordFailure(ctx context.Context, event *model.Event, sub *model.Subscription, attemptNumber int, httpStatus *int, snippet *string, errMsg string) error {
	nextRetryAt := NextRetryAt(e.now(), attemptNumber, e.maxAttempts)

	attempt := &model.DeliveryAttempt{
		EventID:             event.ID,
		AttemptNumber:       attemptNumber,
		Status:              model.AttemptFailed,
		HTTPStatus:          httpStatus,
		ResponseBodySnippet: snippet,
		ErrorMessage:        &errMsg,
		NextRetryAt:         nextRetryAt,
	}
	if err := e.events.CreateAttempt(ctx, attempt); err != nil {
		return err
	}

	terminal := nextRetryAt == nil
	if err := e.events.MarkFailed(ctx, event.ID, errMsg, terminal); err != nil {
		return err
	}

	if terminal {
		slog.Error("event delivery permanently failed",
			"event_id", event.ID, "attempts", attemptNumber, "error", errMsg)
		e.notify(bus.KindFailed, event, sub, model.EventFailed, attemptNumber, &errMsg)
	} else {
		slog.Warn("event delivery failed, retry scheduled",
			"event_id", event.ID, "attempt", attemptNumber, "next_retry_at", *nextRetryAt, "error", errMsg)
		e.notify(bus.KindProcessing, event, sub, model.EventProcessing, attemptNumber, &errMsg)
	}
	return nil
}

func (e *Engine) notify(kind bus.Kind, event *model.Event, sub *model.Subscription, status model.EventStatus, attempts int, lastError *string) {
	e.notifier.Publish(bus.Notification{
		Kind:           kind,
		RecipientID:    sub.UserID,
		EventID:        event.ID,
		SubscriptionID: sub.ID,
		EventType:      event.EventType,
		Source:         event.Source,
		Status:         string(status),
		Attempts:       attempts,
		LastError:      lastError,
		Timestamp:      e.now(),
	})
}
