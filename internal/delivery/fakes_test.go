package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinay02022/Spenzaa/internal/bus"
	"github.com/vinay02022/Spenzaa/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []bus.Notification
}

func (f *fakeNotifier) Publish(n bus.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, n)
}

func (f *fakeNotifier) all() []bus.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Notification(nil), f.published...)
}

// fakeRepo is an in-memory EventRepository with the same claim semantics as
// the SQL store: ClaimRetry only wins while next_retry_at is still set.
type fakeRepo struct {
	mu       sync.Mutex
	events   map[uuid.UUID]*model.Event
	subs     map[uuid.UUID]*model.Subscription
	attempts []*model.DeliveryAttempt

	listCalls int
	blockList chan struct{} // when set, ListDueRetries waits on it once
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events: make(map[uuid.UUID]*model.Event),
		subs:   make(map[uuid.UUID]*model.Subscription),
	}
}

func (f *fakeRepo) addSubscription(status model.SubscriptionStatus) *model.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &model.Subscription{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		SourceURL:   "https://github.example.com",
		CallbackURL: "http://callback.invalid",
		Status:      status,
	}
	f.subs[sub.ID] = sub
	return sub
}

func (f *fakeRepo) addEvent(subID uuid.UUID, status model.EventStatus, attempts int) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &model.Event{
		ID:             uuid.New(),
		SubscriptionID: subID,
		Payload:        json.RawMessage(`{"n":1}`),
		Headers:        json.RawMessage(`{}`),
		Status:         status,
		Attempts:       attempts,
	}
	f.events[e.ID] = e
	return e
}

func (f *fakeRepo) addFailedAttempt(eventID uuid.UUID, number int, nextRetryAt *time.Time) *model.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := "HTTP 500"
	a := &model.DeliveryAttempt{
		ID:            uuid.New(),
		EventID:       eventID,
		AttemptNumber: number,
		Status:        model.AttemptFailed,
		ErrorMessage:  &msg,
		NextRetryAt:   nextRetryAt,
	}
	f.attempts = append(f.attempts, a)
	return a
}

func (f *fakeRepo) event(id uuid.UUID) model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.events[id]
}

func (f *fakeRepo) attemptsFor(eventID uuid.UUID) []model.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeliveryAttempt
	for _, a := range f.attempts {
		if a.EventID == eventID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

func (f *fakeRepo) GetWithSubscription(ctx context.Context, id uuid.UUID) (*model.Event, *model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, nil, model.ErrNotFound
	}
	sub, ok := f.subs[e.SubscriptionID]
	if !ok {
		return nil, nil, model.ErrNotFound
	}
	ec, sc := *e, *sub
	return &ec, &sc, nil
}

func (f *fakeRepo) MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[id]
	e.Status = model.EventProcessing
	e.Attempts = attempts
	return nil
}

func (f *fakeRepo) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[id]
	e.Status = model.EventDelivered
	e.LastError = nil
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, terminal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[id]
	if terminal {
		e.Status = model.EventFailed
	} else {
		e.Status = model.EventProcessing
	}
	e.LastError = &lastError
	return nil
}

func (f *fakeRepo) CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	stored := *a
	f.attempts = append(f.attempts, &stored)
	return nil
}

func (f *fakeRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryAttempt, error) {
	f.mu.Lock()
	f.listCalls++
	block := f.blockList
	f.blockList = nil
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var due []model.DeliveryAttempt
	for _, a := range f.attempts {
		if a.Status != model.AttemptFailed || a.NextRetryAt == nil || a.NextRetryAt.After(now) {
			continue
		}
		if e, ok := f.events[a.EventID]; !ok || e.Status != model.EventProcessing {
			continue
		}
		due = append(due, *a)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeRepo) ClaimRetry(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == attemptID {
			if a.NextRetryAt == nil {
				return false, nil
			}
			a.NextRetryAt = nil
			return true, nil
		}
	}
	return false, nil
}

func newTestEngine(repo *fakeRepo, notifier *fakeNotifier, clock *fakeClock) *Engine {
	return &Engine{
		events:      repo,
		client:      &http.Client{},
		notifier:    notifier,
		timeout:     2 * time.Second,
		maxAttempts: 5,
		now:         clock.Now,
	}
}
