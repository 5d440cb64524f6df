// Package store implements the persistent store adapter over BoltDB,
// with an in-memory fallback selected when durable storage is
// unavailable.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/castkeep/castkeep/internal/domain"
)

// Bucket names. Schema changes must be additive (new buckets/keys only)
// so existing persisted data keeps working.
var (
	bucketEpisodes    = []byte("episodes")
	bucketTranscripts = []byte("transcripts")
	bucketQuestions   = []byte("questions")
	bucketAudioFiles  = []byte("audioFiles")
	bucketSyncQueue   = []byte("syncQueue")
	bucketSettings    = []byte("cacheSettings")
)

const (
	schemaVersion      = "1"
	schemaVersionKey   = "schema_version"
	defaultTxTimeout   = 15 * time.Second
	hotCacheSize       = 512
	defaultOpenTimeout = 1 * time.Second
)

func allBuckets() [][]byte {
	return [][]byte{
		bucketEpisodes, bucketTranscripts, bucketQuestions,
		bucketAudioFiles, bucketSyncQueue, bucketSettings,
	}
}

// bucketFor maps a store type to its bucket, or reports the missing
// store by name.
func bucketFor(t domain.StoreType) ([]byte, error) {
	switch t {
	case domain.StoreEpisodes:
		return bucketEpisodes, nil
	case domain.StoreTranscripts:
		return bucketTranscripts, nil
	case domain.StoreQuestions:
		return bucketQuestions, nil
	case domain.StoreAudioMeta:
		return bucketAudioFiles, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreMissing, t)
	}
}

// BoltStore implements domain.Storage using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger

	// Bounded read-promotion cache for hot-path record reads.
	hot *lru.Cache[string, []byte]

	txTimeout time.Duration
}

// Open opens the durable store under dir. It never fails hard: on any
// open or schema error it logs and returns the in-memory fallback, so
// callers keep working (non-durable across restarts).
func Open(dir string, logger *slog.Logger) domain.Storage {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := OpenBolt(dir, logger)
	if err != nil {
		logger.Warn("durable store unavailable, using in-memory fallback", "error", err, "dir", dir)
		return NewMemoryStore()
	}
	return s
}

// OpenBolt opens the BoltDB-backed store, creating the schema if needed.
func OpenBolt(dir string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("store directory not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "castkeep.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets() {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketSettings)
		if b.Get([]byte(schemaVersionKey)) == nil {
			return b.Put([]byte(schemaVersionKey), []byte(schemaVersion))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	hot, err := lru.New[string, []byte](hotCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:        db,
		logger:    logger,
		hot:       hot,
		txTimeout: defaultTxTimeout,
	}, nil
}

func (s *BoltStore) Fallback() bool { return false }

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction bounded by the store's timeout.
// The deadline is checked inside the transaction, so an overrun rolls
// back and returns ErrTxTimeout instead of committing behind the
// caller's back.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	deadline := time.Now().Add(s.txTimeout)
	return s.db.Update(func(tx *bolt.Tx) error {
		// Waiting for the writer lock may already have spent the budget.
		if time.Now().After(deadline) {
			return domain.ErrTxTimeout
		}
		if err := fn(tx); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return domain.ErrTxTimeout
		}
		return nil
	})
}

func hotKey(bucket []byte, key string) string {
	return string(bucket) + ":" + key
}

// === Generic helpers ===

func (s *BoltStore) get(bucket []byte, key string, dest interface{}) bool {
	ck := hotKey(bucket, key)
	if data, ok := s.hot.Get(ck); ok {
		return json.Unmarshal(data, dest) == nil
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return false
	}

	s.hot.Add(ck, data)
	return json.Unmarshal(data, dest) == nil
}

func (s *BoltStore) set(bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	}); err != nil {
		// A failed write must not leave a phantom in the promotion
		// cache; drop the key so reads go back to disk.
		s.hot.Remove(hotKey(bucket, key))
		return err
	}
	s.hot.Add(hotKey(bucket, key), data)
	return nil
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	s.hot.Remove(hotKey(bucket, key))
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) invalidateHotPrefix(bucket []byte, prefix string) {
	ck := hotKey(bucket, prefix)
	for _, k := range s.hot.Keys() {
		if strings.HasPrefix(k, ck) {
			s.hot.Remove(k)
		}
	}
}

// === Records ===

func (s *BoltStore) SaveRecord(t domain.StoreType, key string, rec domain.Record) error {
	bucket, err := bucketFor(t)
	if err != nil {
		return err
	}
	if rec.Meta != nil && rec.Meta.CachedAt.IsZero() {
		rec.Meta.CachedAt = time.Now()
	}
	return s.set(bucket, key, rec)
}

func (s *BoltStore) GetRecord(t domain.StoreType, key string) (domain.Record, bool) {
	bucket, err := bucketFor(t)
	if err != nil {
		return domain.Record{}, false
	}
	var rec domain.Record
	ok := s.get(bucket, key, &rec)
	return rec, ok
}

func (s *BoltStore) GetAllRecords(t domain.StoreType) ([]domain.KeyedRecord, error) {
	bucket, err := bucketFor(t)
	if err != nil {
		return nil, err
	}
	var out []domain.KeyedRecord
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec domain.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip undecodable rows rather than failing the scan.
				s.logger.Warn("skipping corrupt record", "store", t, "key", string(k), "error", err)
				return nil
			}
			out = append(out, domain.KeyedRecord{Key: string(k), Record: rec})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteRecord(t domain.StoreType, key string) error {
	bucket, err := bucketFor(t)
	if err != nil {
		return err
	}
	return s.delete(bucket, key)
}

func (s *BoltStore) CountRecords(t domain.StoreType) (int, error) {
	bucket, err := bucketFor(t)
	if err != nil {
		return 0, err
	}
	count := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// === Questions ===

// ReplaceQuestions swaps the whole question set for an (episode, lang)
// pair in a single transaction. Question identity is not stable across
// regenerations, so delete-then-insert is the only safe update.
func (s *BoltStore) ReplaceQuestions(episodeSlug, lang string, questions []domain.Record) error {
	prefix := domain.QuestionPrefix(episodeSlug, lang)
	s.invalidateHotPrefix(bucketQuestions, prefix)

	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuestions)

		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, _ := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
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
			key := domain.QuestionKey(episodeSlug, lang, q.Time, i)
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) QuestionsFor(episodeSlug, lang string) ([]domain.KeyedRecord, error) {
	prefix := domain.QuestionPrefix(episodeSlug, lang)
	var out []domain.KeyedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuestions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var rec domain.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, domain.KeyedRecord{Key: string(k), Record: rec})
		}
		return nil
	})
	return out, err
}

// === Sync queue ===

func syncKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (s *BoltStore) EnqueueSync(item domain.SyncQueueItem) (uint64, error) {
	var id uint64
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.ID = seq
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := b.Put(syncKey(seq), data); err != nil {
			return err
		}
		id = seq
		return nil
	})
	return id, err
}

// PendingSync returns queued items in FIFO (insertion) order. Sequence
// keys are big-endian, so cursor order is insertion order.
func (s *BoltStore) PendingSync() ([]domain.SyncQueueItem, error) {
	var items []domain.SyncQueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncQueue)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var item domain.SyncQueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				s.logger.Warn("skipping corrupt sync item", "key", string(k), "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) UpdateSyncItem(item domain.SyncQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).Put(syncKey(item.ID), data)
	})
}

func (s *BoltStore) DeleteSyncItem(id uint64) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).Delete(syncKey(id))
	})
}

// === Settings ===

func (s *BoltStore) Setting(name string) (string, bool) {
	var value string
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(name)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	return value, found
}

func (s *BoltStore) SetSetting(name, value string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(name), []byte(value))
	})
}

// sortKeyed orders scan results by key for deterministic iteration in
// the memory fallback; BoltDB cursors are already ordered.
func sortKeyed(records []domain.KeyedRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
}
