package cache

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/castkeep/castkeep/internal/domain"
)

const (
	// maxQueueLen caps the prefetch queue; the oldest lowest-priority
	// entry is dropped when exceeded.
	maxQueueLen = 50

	// staleAfter is how long a prefetch request stays actionable.
	staleAfter = 5 * time.Minute

	// resumeDelay is the restart pause after regaining visibility.
	resumeDelay = 5 * time.Second

	// drainInterval spaces queue processing so prefetch stays an
	// idle-time activity.
	drainInterval = 1 * time.Second
)

// PrefetchRequest is a low-urgency request to warm the cache for a key.
type PrefetchRequest struct {
	StoreType  domain.StoreType
	Key        string
	Priority   domain.Priority
	EnqueuedAt time.Time
}

// Loader maintains the background prefetch queue. It never performs
// remote fetches itself: when a queued key is missing from the cache it
// publishes a fetch-needed request on Fetches() for the data layer to
// act on.
type Loader struct {
	manager *Manager
	logger  *slog.Logger

	reqs chan loaderMsg

	fetches chan PrefetchRequest

	now func() time.Time
}

type loaderMsg struct {
	add    *PrefetchRequest
	paused *bool
}

// NewLoader creates a background loader over the given cache manager.
func NewLoader(manager *Manager, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		manager: manager,
		logger:  logger,
		reqs:    make(chan loaderMsg, 64),
		fetches: make(chan PrefetchRequest, 16),
		now:     time.Now,
	}
}

// Fetches delivers keys that need a remote fetch.
func (l *Loader) Fetches() <-chan PrefetchRequest {
	return l.fetches
}

// AddToBackgroundQueue appends a prefetch request. Requests are
// processed highest-priority first.
func (l *Loader) AddToBackgroundQueue(t domain.StoreType, key string, priority domain.Priority) {
	req := PrefetchRequest{StoreType: t, Key: key, Priority: priority, EnqueuedAt: l.now()}
	select {
	case l.reqs <- loaderMsg{add: &req}:
	default:
		l.logger.Debug("prefetch request dropped, loader busy", "store", t, "key", key)
	}
}

// Pause stops queue processing while the application is backgrounded.
func (l *Loader) Pause() { l.setPaused(true) }

// Resume restarts processing after a short delay.
func (l *Loader) Resume() { l.setPaused(false) }

func (l *Loader) setPaused(paused bool) {
	select {
	case l.reqs <- loaderMsg{paused: &paused}:
	default:
	}
}

// Run processes the queue until ctx is cancelled. The queue and pause
// flag live on this goroutine; Add/Pause/Resume communicate by message,
// so no shared mutable state crosses goroutines.
func (l *Loader) Run(ctx context.Context) {
	var queue []PrefetchRequest
	paused := false
	var resumeAt time.Time

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(l.fetches)
			return

		case msg := <-l.reqs:
			if msg.add != nil {
				queue = insertRequest(queue, *msg.add)
				if dropped := len(queue) - maxQueueLen; dropped > 0 {
					queue = trimQueue(queue)
				}
			}
			if msg.paused != nil {
				if paused && !*msg.paused {
					resumeAt = l.now().Add(resumeDelay)
				}
				paused = *msg.paused
			}

		case <-ticker.C:
			if paused || len(queue) == 0 || l.now().Before(resumeAt) {
				continue
			}
			req := queue[0]
			queue = queue[1:]
			l.process(ctx, req)
		}
	}
}

// process decides what to do with one queued request.
func (l *Loader) process(ctx context.Context, req PrefetchRequest) {
	if l.now().Sub(req.EnqueuedAt) > staleAfter {
		l.logger.Debug("skipping stale prefetch", "store", req.StoreType, "key", req.Key)
		return
	}
	if l.manager.Has(req.StoreType, req.Key) {
		l.logger.Debug("prefetch already cached", "store", req.StoreType, "key", req.Key)
		return
	}
	select {
	case l.fetches <- req:
	case <-ctx.Done():
	}
}

// insertRequest keeps the queue sorted by priority weight descending,
// FIFO within a tier. A key already queued is not queued twice.
func insertRequest(queue []PrefetchRequest, req PrefetchRequest) []PrefetchRequest {
	for _, existing := range queue {
		if existing.StoreType == req.StoreType && existing.Key == req.Key {
			return queue
		}
	}
	queue = append(queue, req)
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].Priority > queue[j].Priority
	})
	return queue
}

// trimQueue drops the oldest entry of the lowest priority tier until
// the queue fits.
func trimQueue(queue []PrefetchRequest) []PrefetchRequest {
	for len(queue) > maxQueueLen {
		lowest := queue[len(queue)-1].Priority
		drop := len(queue) - 1
		for i := len(queue) - 1; i >= 0 && queue[i].Priority == lowest; i-- {
			if queue[i].EnqueuedAt.Before(queue[drop].EnqueuedAt) {
				drop = i
			}
		}
		queue = append(queue[:drop], queue[drop+1:]...)
	}
	return queue
}
