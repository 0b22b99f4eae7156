package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinay02022/Spenzaa/internal/model"
)

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

const subscriptionColumns = `id, user_id, source_url, callback_url, secret, event_types, transform_script, status, created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.SourceURL, &sub.CallbackURL, &sub.Secret,
		&sub.EventTypes, &sub.TransformScript, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, userID uuid.UUID, sourceURL, callbackURL, secret string, eventTypes []string, transformScript *string) (*model.Subscription, error) {
	if eventTypes == nil {
		eventTypes = []string{}
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, source_url, callback_url, secret, event_types, transform_script)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+subscriptionColumns,
		userID, sourceURL, callbackURL, secret, eventTypes, transformScript,
	))
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Cancel marks the subscription CANCELLED and force-fails every event of it
// still at RECEIVED or PROCESSING, in one transaction. Already-cancelled
// subscriptions come back unchanged.
func (s *SubscriptionStore) Cancel(ctx context.Context, id, userID uuid.UUID) (*model.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`UPDATE subscriptions SET status = 'CANCELLED', updated_at = $3
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+subscriptionColumns,
		id, userID, time.Now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE events SET status = 'FAILED', last_error = 'Subscription cancelled'
		 WHERE subscription_id = $1 AND status IN ('RECEIVED', 'PROCESSING')`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("fail pending events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	return sub, nil
}
