package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Subscriptions *SubscriptionStore
	Events        *EventStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Subscriptions: &SubscriptionStore{pool: pool},
		Events:        &EventStore{pool: pool},
	}
}
