// Package worker consumes ingestion-triggered delivery work from a Redis
// Stream and runs the retry scheduler. Stream consumers give ingestion its
// fire-and-forget semantics: the API process enqueues and answers; delivery
// happens here.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vinay02022/Spenzaa/internal/delivery"
)

const (
	StreamName    = "events"
	consumerGroup = "delivery-workers"
)

// Enqueue publishes an event id onto the delivery stream. The publish is
// detached from the caller's cancellation: ingestion answers 202 before the
// enqueue settles, and a client disconnect must not strand the event.
func Enqueue(ctx context.Context, rdb *redis.Client, eventID uuid.UUID) error {
	return rdb.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{"event_id": eventID.String()},
	}).Err()
}

type Worker struct {
	engine      *delivery.Engine
	scheduler   *delivery.Scheduler
	rdb         *redis.Client
	concurrency int
}

func New(engine *delivery.Engine, scheduler *delivery.Scheduler, rdb *redis.Client, concurrency int) *Worker {
	return &Worker{
		engine:      engine,
		scheduler:   scheduler,
		rdb:         rdb,
		concurrency: concurrency,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	// Ensure consumer group exists
	err := w.rdb.XGroupCreateMkStream(ctx, StreamName, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for i := 0; i < w.concurrency; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		go w.consume(ctx, consumer)
	}

	w.scheduler.Start(ctx)
	return nil
}

func (w *Worker) consume(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{StreamName, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Error("xreadgroup error", "error", err, "consumer", consumer)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.handle(ctx, msg)
				w.rdb.XAck(ctx, StreamName, consumerGroup, msg.ID)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["event_id"].(string)
	if !ok {
		slog.Error("invalid event_id in stream message", "msg_id", msg.ID)
		return
	}
	eventID, err := uuid.Parse(raw)
	if err != nil {
		slog.Error("failed to parse event_id", "error", err, "value", raw)
		return
	}

	// Delivery outcomes are state, not errors; only infrastructure
	// failures come back here.
	if err := w.engine.DeliverEvent(ctx, eventID); err != nil {
		slog.Error("delivery failed", "error", err, "event_id", eventID)
	}
}
