package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinay02022/Spenzaa/internal/model"
)

func TestProcessRetriesDeliversDueAttempt(t *testing.T) {
	repo := newFakeRepo()
	sub := repo.addSubscription(model.SubscriptionActive)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	repo.mu.Lock()
	repo.subs[sub.ID].CallbackURL = srv.URL
	repo.mu.Unlock()

	clock := newFakeClock()
	event := repo.addEvent(sub.ID, model.EventProcessing, 1)
	due := clock.Now().Add(-time.Second)
	repo.addFailedAttempt(event.ID, 1, &due)

	engine := newTestEngine(repo, &fakeNotifier{}, clock)

	n, err := engine.ProcessRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	got := repo.event(event.ID)
	if got.Status != model.EventDelivered || got.Attempts != 2 {
		t.Fatalf("event = %+v, want DELIVERED with 2 attempts", got)
	}
}

func TestProcessRetriesHandlesEventOncePerSweep(t *testing.T) {
	repo := newFakeRepo()
	sub := repo.addSubscription(model.SubscriptionActive)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	repo.mu.Lock()
	repo.subs[sub.ID].CallbackURL = srv.URL
	repo.mu.Unlock()

	clock := newFakeClock()
	event := repo.addEvent(sub.ID, model.EventProcessing, 2)
	// Two historical failed attempts of the same event, both overdue.
	d1 := clock.Now().Add(-2 * time.Minute)
	d2 := clock.Now().Add(-time.Minute)
	repo.addFailedAttempt(event.ID, 1, &d1)
	repo.addFailedAttempt(event.ID, 2, &d2)

	engine := newTestEngine(repo, &fakeNotifier{}, clock)

	n, err := engine.ProcessRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if hits.Load() != 1 {
		t.Fatalf("callback hit %d times, want exactly 1", hits.Load())
	}
}

func TestProcessRetriesClaimIsExclusive(t *testing.T) {
	repo := newFakeRepo()
	sub := repo.addSubscription(model.SubscriptionActive)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	repo.mu.Lock()
	repo.subs[sub.ID].CallbackURL = srv.URL
	repo.mu.Unlock()

	clock := newFakeClock()
	event := repo.addEvent(sub.ID, model.EventProcessing, 1)
	due := clock.Now().Add(-time.Second)
	repo.addFailedAttempt(event.ID, 1, &due)

	engine := newTestEngine(repo, &fakeNotifier{}, clock)

	// Two sweeps racing on the same due attempt: the conditional claim
	// must let exactly one of them deliver.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.ProcessRetries(context.Background())
		}()
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("callback hit %d times, want exactly 1", hits.Load())
	}
}

func TestProcessRetriesIgnoresTerminalEvents(t *testing.T) {
	repo := newFakeRepo()
	sub := repo.addSubscription(model.SubscriptionActive)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	repo.mu.Lock()
	repo.subs[sub.ID].CallbackURL = srv.URL
	repo.mu.Unlock()

	clock := newFakeClock()
	event := repo.addEvent(sub.ID, model.EventDelivered, 1)
	due := clock.Now().Add(-time.Second)
	repo.addFailedAttempt(event.ID, 1, &due)

	engine := newTestEngine(repo, &fakeNotifier{}, clock)

	n, err := engine.ProcessRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if n != 0 || hits.Load() != 0 {
		t.Fatalf("delivered event must not be retried (processed=%d hits=%d)", n, hits.Load())
	}
}

func TestSchedulerTickSkipsOverlappingSweep(t *testing.T) {
	repo := newFakeRepo()
	release := make(chan struct{})
	repo.mu.Lock()
	repo.blockList = release
	repo.mu.Unlock()

	engine := newTestEngine(repo, &fakeNotifier{}, newFakeClock())
	sched := NewScheduler(engine, time.Hour)

	done := make(chan struct{})
	go func() {
		sched.Tick(context.Background())
		close(done)
	}()

	// Wait for the first sweep to be inside ListDueRetries.
	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		calls := repo.listCalls
		repo.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first sweep never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A tick while the first sweep is running must be dropped.
	sched.Tick(context.Background())

	close(release)
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1 (overlapping tick skipped)", repo.listCalls)
	}
}

func TestRetryFlowFailThenSucceed(t *testing.T) {
	repo := newFakeRepo()
	sub := repo.addSubscription(model.SubscriptionActive)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	repo.mu.Lock()
	repo.subs[sub.ID].CallbackURL = srv.URL
	repo.mu.Unlock()

	clock := newFakeClock()
	engine := newTestEngine(repo, &fakeNotifier{}, clock)
	event := repo.addEvent(sub.ID, model.EventReceived, 0)

	// First attempt fails.
	if err := engine.DeliverEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	got := repo.event(event.ID)
	if got.Status != model.EventProcessing || got.Attempts != 1 {
		t.Fatalf("after first attempt: %+v", got)
	}

	// Sweep before the backoff elapses finds nothing.
	if n, _ := engine.ProcessRetries(context.Background()); n != 0 {
		t.Fatalf("processed = %d before backoff elapsed, want 0", n)
	}

	clock.Advance(61 * time.Second)
	n, err := engine.ProcessRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	got = repo.event(event.ID)
	if got.Status != model.EventDelivered || got.Attempts != 2 {
		t.Fatalf("after retry: %+v, want DELIVERED with 2 attempts", got)
	}

	attempts := repo.attemptsFor(event.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(attempts))
	}
	if attempts[0].AttemptNumber != 1 || attempts[0].Status != model.AttemptFailed {
		t.Fatalf("first attempt = %+v", attempts[0])
	}
	if attempts[1].AttemptNumber != 2 || attempts[1].Status != model.AttemptSuccess {
		t.Fatalf("second attempt = %+v", attempts[1])
	}
}
