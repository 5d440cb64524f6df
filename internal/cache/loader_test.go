package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/castkeep/castkeep/internal/adapter"
	"github.com/castkeep/castkeep/internal/domain"
	"github.com/castkeep/castkeep/internal/store"
)

func testLoader(t *testing.T) (*Loader, *Manager) {
	t.Helper()
	m := NewManager(store.NewMemoryStore(), domain.DefaultRegistry(), adapter.NullLogger())
	return NewLoader(m, adapter.NullLogger()), m
}

func req(key string, p domain.Priority, at time.Time) PrefetchRequest {
	return PrefetchRequest{StoreType: domain.StoreEpisodes, Key: key, Priority: p, EnqueuedAt: at}
}

func TestInsertRequestOrdersByPriority(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var queue []PrefetchRequest
	queue = insertRequest(queue, req("low", domain.PriorityLow, base))
	queue = insertRequest(queue, req("critical", domain.PriorityCritical, base.Add(time.Second)))
	queue = insertRequest(queue, req("normal", domain.PriorityNormal, base.Add(2*time.Second)))

	want := []string{"critical", "normal", "low"}
	for i, key := range want {
		if queue[i].Key != key {
			t.Errorf("position %d: got %q, want %q", i, queue[i].Key, key)
		}
	}
}

func TestInsertRequestFIFOWithinTier(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var queue []PrefetchRequest
	queue = insertRequest(queue, req("first", domain.PriorityNormal, base))
	queue = insertRequest(queue, req("second", domain.PriorityNormal, base.Add(time.Second)))
	queue = insertRequest(queue, req("third", domain.PriorityNormal, base.Add(2*time.Second)))

	for i, key := range []string{"first", "second", "third"} {
		if queue[i].Key != key {
			t.Errorf("position %d: got %q, want %q", i, queue[i].Key, key)
		}
	}
}

func TestInsertRequestDedupes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var queue []PrefetchRequest
	queue = insertRequest(queue, req("ep1", domain.PriorityNormal, base))
	queue = insertRequest(queue, req("ep1", domain.PriorityCritical, base.Add(time.Second)))

	if len(queue) != 1 {
		t.Fatalf("got queue length %d, want 1", len(queue))
	}
	if queue[0].Priority != domain.PriorityNormal {
		t.Error("duplicate insert replaced the original request")
	}
}

func TestTrimQueueDropsOldestOfLowestTier(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var queue []PrefetchRequest
	for i := 0; i < maxQueueLen; i++ {
		queue = insertRequest(queue, req(fmt.Sprintf("high%02d", i), domain.PriorityHigh, base.Add(time.Duration(i)*time.Second)))
	}
	oldest := req("victim", domain.PriorityLow, base.Add(-time.Minute))
	newer := req("survivor", domain.PriorityLow, base)
	queue = insertRequest(queue, oldest)
	queue = insertRequest(queue, newer)

	queue = trimQueue(queue)

	if len(queue) != maxQueueLen {
		t.Fatalf("got queue length %d, want %d", len(queue), maxQueueLen)
	}
	for _, r := range queue {
		if r.Key == "victim" {
			t.Error("oldest lowest-priority request survived the trim")
		}
	}
	found := false
	for _, r := range queue {
		if r.Key == "survivor" {
			found = true
		}
	}
	if !found {
		t.Error("newer lowest-priority request was dropped instead of the oldest")
	}
}

func TestProcessSkipsStaleRequests(t *testing.T) {
	l, _ := testLoader(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.process(context.Background(), req("stale", domain.PriorityNormal, base.Add(-staleAfter-time.Second)))

	select {
	case r := <-l.fetches:
		t.Errorf("stale request %q was published for fetching", r.Key)
	default:
	}
}

func TestProcessSkipsCachedKeys(t *testing.T) {
	l, m := testLoader(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	if err := m.SmartCache(domain.StoreEpisodes, "cached", payload("x"), domain.PriorityHigh, false); err != nil {
		t.Fatal(err)
	}

	l.process(context.Background(), req("cached", domain.PriorityNormal, base))

	select {
	case r := <-l.fetches:
		t.Errorf("already-cached key %q was published for fetching", r.Key)
	default:
	}
}

func TestProcessPublishesMissingKeys(t *testing.T) {
	l, _ := testLoader(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.process(context.Background(), req("missing", domain.PriorityNormal, base))

	select {
	case r := <-l.fetches:
		if r.Key != "missing" {
			t.Errorf("got key %q, want missing", r.Key)
		}
	default:
		t.Fatal("missing key was not published for fetching")
	}
}

func TestRunDrainsQueue(t *testing.T) {
	l, _ := testLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	l.AddToBackgroundQueue(domain.StoreEpisodes, "ep1", domain.PriorityHigh)

	select {
	case r := <-l.Fetches():
		if r.Key != "ep1" {
			t.Errorf("got key %q, want ep1", r.Key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued request never reached the fetch channel")
	}
}

func TestRunClosesFetchesOnCancel(t *testing.T) {
	l, _ := testLoader(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
	if _, open := <-l.Fetches(); open {
		t.Error("fetch channel still open after shutdown")
	}
}

func TestPausedLoaderHoldsQueue(t *testing.T) {
	l, _ := testLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	l.Pause()
	l.AddToBackgroundQueue(domain.StoreEpisodes, "held", domain.PriorityHigh)

	select {
	case r := <-l.Fetches():
		t.Errorf("paused loader published %q", r.Key)
	case <-time.After(1500 * time.Millisecond):
	}
}
