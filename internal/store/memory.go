package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/castkeep/castkeep/internal/domain"
)

// MemoryStore is the in-memory fallback implementation of
// domain.Storage, used when BoltDB cannot be opened. It provides the
// same behavior without durability across restarts.
//
// Records are held as marshalled JSON so reads hand out copies, never
// aliased pointers.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[domain.StoreType]map[string][]byte
	queue    []domain.SyncQueueItem
	nextID   uint64
	settings map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	records := make(map[domain.StoreType]map[string][]byte)
	for _, t := range []domain.StoreType{
		domain.StoreEpisodes, domain.StoreTranscripts,
		domain.StoreQuestions, domain.StoreAudioMeta,
	} {
		records[t] = make(map[string][]byte)
	}
	return &MemoryStore{
		records:  records,
		settings: map[string]string{schemaVersionKey: schemaVersion},
	}
}

func (s *MemoryStore) Fallback() bool { return true }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) table(t domain.StoreType) (map[string][]byte, error) {
	tbl, ok := s.records[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreMissing, t)
	}
	return tbl, nil
}

// === Records ===

func (s *MemoryStore) SaveRecord(t domain.StoreType, key string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(t)
	if err != nil {
		return err
	}
	if rec.Meta != nil && rec.Meta.CachedAt.IsZero() {
		rec.Meta.CachedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tbl[key] = data
	return nil
}

func (s *MemoryStore) GetRecord(t domain.StoreType, key string) (domain.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, err := s.table(t)
	if err != nil {
		return domain.Record{}, false
	}
	data, ok := tbl[key]
	if !ok {
		return domain.Record{}, false
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) GetAllRecords(t domain.StoreType) ([]domain.KeyedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, err := s.table(t)
	if err != nil {
		return nil, err
	}
	out := make([]domain.KeyedRecord, 0, len(tbl))
	for key, data := range tbl {
		var rec domain.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, domain.KeyedRecord{Key: key, Record: rec})
	}
	sortKeyed(out)
	return out, nil
}

func (s *MemoryStore) DeleteRecord(t domain.StoreType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(t)
	if err != nil {
		return err
	}
	delete(tbl, key)
	return nil
}

func (s *MemoryStore) CountRecords(t domain.StoreType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, err := s.table(t)
	if err != nil {
		return 0, err
	}
	return len(tbl), nil
}

// === Questions ===

func (s *MemoryStore) ReplaceQuestions(episodeSlug, lang string, questions []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.records[domain.StoreQuestions]
	prefix := domain.QuestionPrefix(episodeSlug, lang)
	for key := range tbl {
		if strings.HasPrefix(key, prefix) {
			delete(tbl, key)
		}
	}

	for i, rec := range questions {
		var q domain.Question
		if err := json.Unmarshal(rec.Data, &q); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		if rec.Meta != nil && rec.Meta.CachedAt.IsZero() {
			rec.Meta.CachedAt = time.Now()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		tbl[domain.QuestionKey(episodeSlug, lang, q.Time, i)] = data
	}
	return nil
}

func (s *MemoryStore) QuestionsFor(episodeSlug, lang string) ([]domain.KeyedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl := s.records[domain.StoreQuestions]
	prefix := domain.QuestionPrefix(episodeSlug, lang)
	var out []domain.KeyedRecord
	for key, data := range tbl {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, domain.KeyedRecord{Key: key, Record: rec})
	}
	sortKeyed(out)
	return out, nil
}

// === Sync queue ===

func (s *MemoryStore) EnqueueSync(item domain.SyncQueueItem) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	item.ID = s.nextID
	s.queue = append(s.queue, item)
	return item.ID, nil
}

func (s *MemoryStore) PendingSync() ([]domain.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SyncQueueItem, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (s *MemoryStore) UpdateSyncItem(item domain.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID == item.ID {
			s.queue[i] = item
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DeleteSyncItem(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// === Settings ===

func (s *MemoryStore) Setting(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[name]
	return value, ok
}

func (s *MemoryStore) SetSetting(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
	return nil
}
