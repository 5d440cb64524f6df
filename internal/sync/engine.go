// Package sync implements the synchronization engine: online/offline
// tracking, durable queuing of local mutations, and replay against the
// remote backend when connectivity returns.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castkeep/castkeep/internal/cache"
	"github.com/castkeep/castkeep/internal/domain"
	"github.com/castkeep/castkeep/internal/event"
)

const (
	defaultMaxAttempts  = 3
	defaultProbeTimeout = 5 * time.Second

	// transcriptRetries bounds the immediate-path retry for large
	// transcript writes, distinct from queue-level retry.
	transcriptRetries    = 3
	transcriptRetryDelay = 1 * time.Second

	// unsyncedDropsKey persists how many local edits were abandoned
	// after exhausting their attempts, so the loss is never silent.
	unsyncedDropsKey = "unsynced_drops"
)

// Source labels where LoadData found its result.
const (
	SourceServer = "server"
	SourceCache  = "cache"
)

// SaveResult reports how a write was handled. Offline means the write
// was accepted and queued, pending replay; it is not a failure.
type SaveResult struct {
	Success bool
	Offline bool
}

// LoadResult carries a read result and its source.
type LoadResult struct {
	Data   json.RawMessage
	Source string
}

// Options tunes the engine's timers.
type Options struct {
	ProbeInterval time.Duration
	SyncInterval  time.Duration
	ProbeTimeout  time.Duration
	MaxAttempts   int
}

func (o *Options) withDefaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.SyncInterval == 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
}

// Engine reconciles locally-mutated records with the remote backend.
// It is the sole owner of the sync queue and the network state.
type Engine struct {
	store    domain.Storage
	remote   domain.Remote
	cache    *cache.Manager
	registry *domain.Registry
	logger   *slog.Logger
	opts     Options

	emitter    *event.Emitter[domain.SyncEvent]
	netEmitter *event.Emitter[domain.NetworkEvent]

	mu    sync.Mutex
	state domain.NetworkState

	// Mutual exclusion for queue replay; a concurrent call is a no-op.
	syncing atomic.Bool

	now func() time.Time
}

// NewEngine wires the synchronization engine.
func NewEngine(store domain.Storage, remote domain.Remote, cacheMgr *cache.Manager, registry *domain.Registry, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	return &Engine{
		store:      store,
		remote:     remote,
		cache:      cacheMgr,
		registry:   registry,
		logger:     logger,
		opts:       opts,
		emitter:    event.NewEmitter[domain.SyncEvent](logger),
		netEmitter: event.NewEmitter[domain.NetworkEvent](logger),
		now:        time.Now,
	}
}

// OnSync subscribes to sync lifecycle events.
func (e *Engine) OnSync(fn func(domain.SyncEvent)) func() {
	return e.emitter.Subscribe(fn)
}

// OnNetwork subscribes to online/offline transitions.
func (e *Engine) OnNetwork(fn func(domain.NetworkEvent)) func() {
	return e.netEmitter.Subscribe(fn)
}

// Status returns a copy of the current network state.
func (e *Engine) Status() domain.NetworkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetOnline records a connectivity transition. Platform-level
// connectivity signals and the periodic probe both land here. Going
// from offline to online triggers a queue replay.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.state.Online
	e.state.Online = online
	e.state.LastCheck = e.now()
	e.mu.Unlock()

	if online == wasOnline {
		return
	}

	e.logger.Info("network state changed", "online", online)
	e.netEmitter.Emit(domain.NetworkEvent{Online: online, At: e.now()})

	if online {
		go func() {
			if err := e.SyncOfflineChanges(context.Background()); err != nil {
				e.logger.Warn("reconnect sync failed", "error", err)
			}
		}()
	}
}

// Probe actively checks connectivity with an abort-after-timeout ping.
func (e *Engine) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	defer cancel()

	err := e.remote.Ping(probeCtx)
	e.SetOnline(err == nil)
	return err == nil
}

// Run drives the engine until ctx is cancelled: an initial probe and
// sync, the periodic connectivity probe, and the interval auto-sync
// safety net.
func (e *Engine) Run(ctx context.Context) {
	if e.Probe(ctx) {
		if err := e.SyncOfflineChanges(ctx); err != nil {
			e.logger.Warn("initial sync failed", "error", err)
		}
	}

	probeTicker := time.NewTicker(e.opts.ProbeInterval)
	defer probeTicker.Stop()
	syncTicker := time.NewTicker(e.opts.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			e.Probe(ctx)
		case <-syncTicker.C:
			if e.Status().Online {
				if err := e.SyncOfflineChanges(ctx); err != nil {
					e.logger.Warn("interval sync failed", "error", err)
				}
			}
		}
	}
}

// SaveData persists a mutation locally first, then pushes it to the
// remote backend or queues it for later replay. The write is never
// lost: a failed immediate push falls back to the queue.
func (e *Engine) SaveData(ctx context.Context, t domain.StoreType, key string, payload json.RawMessage, op domain.Operation) (SaveResult, error) {
	def, ok := e.registry.Lookup(t)
	if !ok {
		return SaveResult{}, domain.ErrUnknownStoreType
	}

	// Durability first: the local copy is written before anything can
	// fail remotely.
	if op == domain.OpDelete {
		if err := e.store.DeleteRecord(t, key); err != nil {
			return SaveResult{}, err
		}
	} else {
		if def.Validate != nil {
			if err := def.Validate(payload); err != nil {
				// Keep the user's edit in best-effort form so nothing
				// is silently lost, then report the validation error.
				if cacheErr := e.cache.SmartCache(t, key, payload, def.Strategy.Priority, true); cacheErr != nil {
					e.logger.Warn("failed to save invalid payload locally", "store", t, "key", key, "error", cacheErr)
				}
				return SaveResult{}, err
			}
		}
		if err := e.cache.SmartCache(t, key, payload, def.Strategy.Priority, true); err != nil {
			return SaveResult{}, err
		}
	}

	// Guard against local id collisions with timestamp-derived
	// temporary ids reaching the remote store.
	if t == domain.StoreTranscripts && op != domain.OpDelete {
		if err := checkTranscriptID(payload); err != nil {
			return SaveResult{}, err
		}
	}

	if !e.Status().Online {
		if err := e.enqueue(t, key, payload, op); err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Success: true, Offline: true}, nil
	}

	if err := e.push(ctx, t, key, payload, op); err != nil {
		e.logger.Warn("immediate sync failed, queueing", "store", t, "key", key, "error", err)
		if qerr := e.enqueue(t, key, payload, op); qerr != nil {
			return SaveResult{}, qerr
		}
		return SaveResult{Success: true, Offline: true}, nil
	}

	return SaveResult{Success: true, Offline: false}, nil
}

// LoadData reads a record, preferring the remote backend when online
// and backfilling the cache on success. Remote failure or offline state
// falls back to the local cache; a miss in both is ErrNoDataOffline.
func (e *Engine) LoadData(ctx context.Context, t domain.StoreType, key string) (LoadResult, error) {
	def, ok := e.registry.Lookup(t)
	if !ok {
		return LoadResult{}, domain.ErrUnknownStoreType
	}

	if e.Status().Online {
		data, err := e.remote.Fetch(ctx, t, key)
		if err == nil {
			if cacheErr := e.cache.SmartCache(t, key, data, def.Strategy.Priority, false); cacheErr != nil {
				e.logger.Warn("failed to backfill cache", "store", t, "key", key, "error", cacheErr)
			}
			return LoadResult{Data: data, Source: SourceServer}, nil
		}
		e.logger.Warn("remote fetch failed, falling back to cache", "store", t, "key", key, "error", err)
	}

	data, hit, err := e.cache.SmartGet(t, key, true)
	if err != nil {
		return LoadResult{}, err
	}
	if !hit {
		return LoadResult{}, fmt.Errorf("%w: %s/%s", domain.ErrNoDataOffline, t, key)
	}
	return LoadResult{Data: data, Source: SourceCache}, nil
}

// SyncOfflineChanges replays the queue in FIFO order. A concurrent call
// while a replay is in progress is a no-op. A failing item is retried
// on the next full pass, so one bad item cannot starve the rest; after
// MaxAttempts failures it is dropped and reported as terminal.
func (e *Engine) SyncOfflineChanges(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	e.setSyncInProgress(true)
	defer e.setSyncInProgress(false)

	items, err := e.store.PendingSync()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	e.emitter.Emit(domain.SyncEvent{Type: domain.SyncStart, TotalCount: len(items)})
	e.logger.Info("sync started", "pending", len(items))

	successCount, errorCount := 0, 0
	for i := range items {
		item := items[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.replay(ctx, item); err != nil {
			errorCount++
			item.Attempts++
			if item.Attempts >= item.MaxAttempts {
				if delErr := e.store.DeleteSyncItem(item.ID); delErr != nil {
					e.logger.Warn("failed to drop exhausted sync item", "id", item.ID, "error", delErr)
				}
				e.recordDrop(item)
				e.emitter.Emit(domain.SyncEvent{Type: domain.SyncItemError, Item: &item, Terminal: true, Err: err})
				e.logger.Error("sync item abandoned after max attempts",
					"id", item.ID, "store", item.StoreType, "key", item.Key, "attempts", item.Attempts, "error", err)
			} else {
				if upErr := e.store.UpdateSyncItem(item); upErr != nil {
					e.logger.Warn("failed to update sync item attempts", "id", item.ID, "error", upErr)
				}
				e.emitter.Emit(domain.SyncEvent{Type: domain.SyncItemError, Item: &item, Err: err})
				e.logger.Warn("sync item failed, will retry next pass",
					"id", item.ID, "store", item.StoreType, "key", item.Key, "attempts", item.Attempts, "error", err)
			}
			continue
		}

		successCount++
		if err := e.store.DeleteSyncItem(item.ID); err != nil {
			e.logger.Warn("failed to remove synced item", "id", item.ID, "error", err)
		}
		e.emitter.Emit(domain.SyncEvent{Type: domain.SyncItemSuccess, Item: &item})
	}

	e.emitter.Emit(domain.SyncEvent{
		Type:         domain.SyncComplete,
		SuccessCount: successCount,
		ErrorCount:   errorCount,
		TotalCount:   len(items),
	})
	e.logger.Info("sync complete", "success", successCount, "errors", errorCount, "total", len(items))
	return nil
}

// UnsyncedCount returns how many local edits were abandoned after
// exhausting their retry budget.
func (e *Engine) UnsyncedCount() int {
	value, ok := e.store.Setting(unsyncedDropsKey)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func (e *Engine) recordDrop(item domain.SyncQueueItem) {
	n := e.UnsyncedCount() + 1
	if err := e.store.SetSetting(unsyncedDropsKey, strconv.Itoa(n)); err != nil {
		e.logger.Warn("failed to record unsynced drop", "id", item.ID, "error", err)
	}
}

func (e *Engine) setSyncInProgress(v bool) {
	e.mu.Lock()
	e.state.SyncInProgress = v
	e.mu.Unlock()
}

func (e *Engine) enqueue(t domain.StoreType, key string, payload json.RawMessage, op domain.Operation) error {
	item := domain.SyncQueueItem{
		StoreType:   t,
		Operation:   op,
		Key:         key,
		Payload:     payload,
		Timestamp:   e.now(),
		MaxAttempts: e.opts.MaxAttempts,
	}
	id, err := e.store.EnqueueSync(item)
	if err != nil {
		return err
	}
	e.logger.Debug("queued offline change", "id", id, "store", t, "key", key, "op", op)
	return nil
}

// replay applies one queued item against the remote backend.
func (e *Engine) replay(ctx context.Context, item domain.SyncQueueItem) error {
	return e.push(ctx, item.StoreType, item.Key, item.Payload, item.Operation)
}

// push performs the remote operation. Transcript writes carry large
// payloads and get a bounded linear retry to absorb transient transport
// failures; this is independent of the queue-level retry.
func (e *Engine) push(ctx context.Context, t domain.StoreType, key string, payload json.RawMessage, op domain.Operation) error {
	if t == domain.StoreTranscripts && op != domain.OpDelete {
		return e.pushWithRetry(ctx, t, key, payload, op)
	}
	return e.pushOnce(ctx, t, key, payload, op)
}

func (e *Engine) pushOnce(ctx context.Context, t domain.StoreType, key string, payload json.RawMessage, op domain.Operation) error {
	switch op {
	case domain.OpCreate:
		return e.remote.Create(ctx, t, key, payload)
	case domain.OpUpdate:
		return e.remote.Update(ctx, t, key, payload)
	case domain.OpDelete:
		return e.remote.Delete(ctx, t, key)
	default:
		return fmt.Errorf("unknown sync operation: %s", op)
	}
}

func (e *Engine) pushWithRetry(ctx context.Context, t domain.StoreType, key string, payload json.RawMessage, op domain.Operation) error {
	var lastErr error
	for attempt := 1; attempt <= transcriptRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt) * transcriptRetryDelay
			e.logger.Debug("retrying transcript push", "attempt", attempt, "delay", delay, "key", key)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = e.pushOnce(ctx, t, key, payload, op); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// checkTranscriptID enforces the remote-sync validation gate: the
// transcript's ID must be a positive number.
func checkTranscriptID(payload json.RawMessage) error {
	var t domain.Transcript
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidTranscript, err)
	}
	if !domain.ValidTranscriptID(t.ID) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidTranscriptID, t.ID)
	}
	return nil
}
