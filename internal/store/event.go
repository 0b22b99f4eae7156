package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinay02022/Spenzaa/internal/model"
)

type EventStore struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, subscription_id, payload, event_type, source, headers, status, attempts, last_error, created_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.SubscriptionID, &e.Payload, &e.EventType, &e.Source,
		&e.Headers, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *EventStore) Create(ctx context.Context, subscriptionID uuid.UUID, payload json.RawMessage, eventType, source *string, headers json.RawMessage) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO events (subscription_id, payload, event_type, source, headers)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+eventColumns,
		subscriptionID, payload, eventType, source, headers,
	))
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return e, nil
}

// GetWithSubscription loads an event together with its owning subscription.
// Returns model.ErrNotFound when the event does not exist.
func (s *EventStore) GetWithSubscription(ctx context.Context, id uuid.UUID) (*model.Event, *model.Subscription, error) {
	var e model.Event
	var sub model.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT e.id, e.subscription_id, e.payload, e.event_type, e.source, e.headers, e.status, e.attempts, e.last_error, e.created_at,
		        s.id, s.user_id, s.source_url, s.callback_url, s.secret, s.event_types, s.transform_script, s.status, s.created_at, s.updated_at
		 FROM events e
		 JOIN subscriptions s ON e.subscription_id = s.id
		 WHERE e.id = $1`,
		id,
	).Scan(&e.ID, &e.SubscriptionID, &e.Payload, &e.EventType, &e.Source, &e.Headers, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt,
		&sub.ID, &sub.UserID, &sub.SourceURL, &sub.CallbackURL, &sub.Secret, &sub.EventTypes, &sub.TransformScript, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, model.ErrNotFound
		}
		return nil, nil, fmt.Errorf("get event with subscription: %w", err)
	}
	return &e, &sub, nil
}

func (s *EventStore) MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET status = 'PROCESSING', attempts = $2 WHERE id = $1`,
		id, attempts,
	)
	if err != nil {
		return fmt.Errorf("mark event processing: %w", err)
	}
	return nil
}

func (s *EventStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET status = 'DELIVERED', last_error = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	return nil
}

// MarkFailed records the latest delivery error. Terminal failures move the
// event to FAILED; otherwise it stays PROCESSING awaiting the retry sweep.
func (s *EventStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, terminal bool) error {
	status := model.EventProcessing
	if terminal {
		status = model.EventFailed
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET status = $2, last_error = $3 WHERE id = $1`,
		id, status, lastError,
	)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

func (s *EventStore) ListByUser(ctx context.Context, userID uuid.UUID, subscriptionID *uuid.UUID, limit int) ([]model.Event, error) {
	query := `SELECT e.id, e.subscription_id, e.payload, e.event_type, e.source, e.headers, e.status, e.attempts, e.last_error, e.created_at
		 FROM events e
		 JOIN subscriptions s ON e.subscription_id = s.id
		 WHERE s.user_id = $1`
	args := []any{userID}

	if subscriptionID != nil {
		query += ` AND e.subscription_id = $2`
		args = append(args, *subscriptionID)
	}
	query += fmt.Sprintf(` ORDER BY e.created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *EventStore) GetForUser(ctx context.Context, id, userID uuid.UUID) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT e.id, e.subscription_id, e.payload, e.event_type, e.source, e.headers, e.status, e.attempts, e.last_error, e.created_at
		 FROM events e
		 JOIN subscriptions s ON e.subscription_id = s.id
		 WHERE e.id = $1 AND s.user_id = $2`,
		id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// Attempt operations

const attemptColumns = `id, event_id, attempt_number, status, http_status, response_body_snippet, error_message, next_retry_at, created_at`

func scanAttempt(row pgx.Row) (*model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	err := row.Scan(&a.ID, &a.EventID, &a.AttemptNumber, &a.Status, &a.HTTPStatus,
		&a.ResponseBodySnippet, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *EventStore) CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO delivery_attempts (event_id, attempt_number, status, http_status, response_body_snippet, error_message, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		a.EventID, a.AttemptNumber, a.Status, a.HTTPStatus, a.ResponseBodySnippet, a.ErrorMessage, a.NextRetryAt,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

// ListDueRetries returns failed attempts whose next_retry_at has passed and
// whose event is still PROCESSING, oldest due first.
func (s *EventStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.event_id, a.attempt_number, a.status, a.http_status, a.response_body_snippet, a.error_message, a.next_retry_at, a.created_at
		 FROM delivery_attempts a
		 JOIN events e ON a.event_id = e.id
		 WHERE a.status = 'FAILED' AND a.next_retry_at IS NOT NULL AND a.next_retry_at <= $1
		   AND e.status = 'PROCESSING'
		 ORDER BY a.next_retry_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// ClaimRetry clears next_retry_at iff it is still set. The conditional
// update is what keeps concurrent sweeps (or replicas) from double-issuing
// the same retry: only the caller that flips the column wins the claim.
func (s *EventStore) ClaimRetry(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_attempts SET next_retry_at = NULL
		 WHERE id = $1 AND next_retry_at IS NOT NULL`,
		attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *EventStore) ListAttempts(ctx context.Context, eventID uuid.UUID) ([]model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE event_id = $1 ORDER BY attempt_number ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
