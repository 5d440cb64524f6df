// Package cache implements the cache policy engine: TTL- and
// priority-aware reads and writes over the persistent store, with
// size-bounded eviction and request de-duplication.
package cache

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/castkeep/castkeep/internal/domain"
)

// Manager wraps the store adapter with per-record cache metadata,
// freshness checks, and eviction.
type Manager struct {
	store    domain.Storage
	registry *domain.Registry
	logger   *slog.Logger

	// Coalesces concurrent reads for the same (storeType, key).
	group singleflight.Group

	// Overridable for TTL tests.
	now func() time.Time
}

// StoreStats summarizes one managed store.
type StoreStats struct {
	Count   int
	MaxSize int
}

// NewManager creates a cache manager over the given store and registry.
func NewManager(store domain.Storage, registry *domain.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// SmartCache writes a record with a cache metadata envelope, running an
// eviction pass first when the store would overflow.
//
// A write whose payload equals the currently cached payload is skipped
// entirely, so repeated identical writes cause exactly one store write.
// Records touched by direct user interaction start with a boosted
// access count so they resist eviction.
func (m *Manager) SmartCache(t domain.StoreType, key string, data json.RawMessage, priority domain.Priority, userInteraction bool) error {
	def, ok := m.registry.Lookup(t)
	if !ok {
		m.logger.Warn("smart cache rejected unknown store type", "store", t, "key", key)
		return domain.ErrUnknownStoreType
	}
	if !priority.Valid() {
		priority = def.Strategy.Priority
	}

	existing, found := m.store.GetRecord(t, key)
	if found && jsonEqual(existing.Data, data) {
		m.logger.Debug("skipping identical cache write", "store", t, "key", key)
		return nil
	}

	// Rewriting an existing key does not grow the store, so it never
	// triggers an eviction pass.
	if !found {
		m.evictIfNeeded(t, def.Strategy)
	}

	now := m.now()
	accessCount := 1
	if userInteraction {
		accessCount = 10
	}
	rec := domain.Record{
		Data: data,
		Meta: &domain.CacheMetadata{
			StoreType:       t,
			Key:             key,
			Priority:        priority,
			CachedAt:        now,
			TTL:             def.Strategy.TTL,
			AccessCount:     accessCount,
			LastAccessed:    now,
			UserInteraction: userInteraction,
		},
	}
	return m.store.SaveRecord(t, key, rec)
}

// SmartGet returns the cached payload for a key, treating expired
// records as misses. Concurrent calls for the same key share a single
// underlying store read. On a hit the access statistics are bumped in
// the background; bump failures are swallowed.
func (m *Manager) SmartGet(t domain.StoreType, key string, updateAccess bool) (json.RawMessage, bool, error) {
	if _, ok := m.registry.Lookup(t); !ok {
		return nil, false, domain.ErrUnknownStoreType
	}

	type result struct {
		data json.RawMessage
		hit  bool
	}

	v, err, _ := m.group.Do(string(t)+"\x00"+key, func() (interface{}, error) {
		rec, found := m.store.GetRecord(t, key)
		if !found {
			return result{}, nil
		}
		if rec.Managed() && rec.Meta.Expired(m.now()) {
			// Expired records are misses; deletion is deferred to the
			// periodic sweep.
			return result{}, nil
		}
		if updateAccess && rec.Managed() {
			go m.bumpAccess(t, key)
		}
		return result{data: rec.Data, hit: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.data, res.hit, nil
}

// Has reports whether a fresh record exists without touching its access
// statistics.
func (m *Manager) Has(t domain.StoreType, key string) bool {
	rec, found := m.store.GetRecord(t, key)
	if !found {
		return false
	}
	if rec.Managed() && rec.Meta.Expired(m.now()) {
		return false
	}
	return true
}

// bumpAccess persists updated access statistics for a record. Runs off
// the read path; any failure is logged and dropped.
func (m *Manager) bumpAccess(t domain.StoreType, key string) {
	rec, found := m.store.GetRecord(t, key)
	if !found || !rec.Managed() {
		return
	}
	rec.Meta.AccessCount++
	rec.Meta.LastAccessed = m.now()
	if err := m.store.SaveRecord(t, key, rec); err != nil {
		m.logger.Debug("access stat update failed", "store", t, "key", key, "error", err)
	}
}

// evictIfNeeded trims the store to its eviction target when inserting
// one more record would exceed the declared maximum.
//
// Eviction order: records flagged user_interaction go last, then
// ascending priority, then ascending usage density (rarely and stalely
// accessed records leave first). Unmanaged records are exempt.
func (m *Manager) evictIfNeeded(t domain.StoreType, strategy domain.Strategy) {
	count, err := m.store.CountRecords(t)
	if err != nil {
		m.logger.Warn("eviction count failed", "store", t, "error", err)
		return
	}
	if count+1 <= strategy.MaxSize {
		return
	}

	all, err := m.store.GetAllRecords(t)
	if err != nil {
		m.logger.Warn("eviction scan failed", "store", t, "error", err)
		return
	}

	candidates := make([]domain.KeyedRecord, 0, len(all))
	for _, kr := range all {
		if kr.Record.Managed() {
			candidates = append(candidates, kr)
		}
	}

	now := m.now()
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Record.Meta, candidates[j].Record.Meta
		if a.UserInteraction != b.UserInteraction {
			return !a.UserInteraction
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.UsageDensity(now) < b.UsageDensity(now)
	})

	target := strategy.EvictionTarget()
	evicted := 0
	for _, kr := range candidates {
		if count <= target {
			break
		}
		if err := m.store.DeleteRecord(t, kr.Key); err != nil {
			m.logger.Warn("eviction delete failed", "store", t, "key", kr.Key, "error", err)
			continue
		}
		count--
		evicted++
	}
	if evicted > 0 {
		m.logger.Info("evicted records", "store", t, "count", evicted, "population", count)
	}
}

// CleanExpired sweeps every registered store and deletes records whose
// TTL has elapsed, independent of capacity pressure. Returns the number
// of records removed. Intended to run on a fixed interval owned by the
// integration layer.
func (m *Manager) CleanExpired() int {
	now := m.now()
	removed := 0
	for _, t := range m.registry.Types() {
		all, err := m.store.GetAllRecords(t)
		if err != nil {
			m.logger.Warn("expiry sweep scan failed", "store", t, "error", err)
			continue
		}
		for _, kr := range all {
			if !kr.Record.Managed() || !kr.Record.Meta.Expired(now) {
				continue
			}
			if err := m.store.DeleteRecord(t, kr.Key); err != nil {
				m.logger.Warn("expiry delete failed", "store", t, "key", kr.Key, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("expiry sweep complete", "removed", removed)
	}
	return removed
}

// Stats returns per-store population counts.
func (m *Manager) Stats() map[domain.StoreType]StoreStats {
	out := make(map[domain.StoreType]StoreStats)
	for _, t := range m.registry.Types() {
		def, _ := m.registry.Lookup(t)
		count, err := m.store.CountRecords(t)
		if err != nil {
			continue
		}
		out[t] = StoreStats{Count: count, MaxSize: def.Strategy.MaxSize}
	}
	return out
}

// jsonEqual compares two JSON payloads ignoring insignificant
// whitespace. Falls back to byte equality when either side fails to
// compact.
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
