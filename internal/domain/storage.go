package domain

import "context"

// Storage is the persistent store adapter contract. Two implementations
// exist: a durable BoltDB store and an in-memory fallback selected at
// open time when durable storage is unavailable.
//
// Reads return zero values and ok=false on a miss, never an error.
// Operations against an undeclared store return an error naming the
// missing store.
type Storage interface {
	// === Records ===
	SaveRecord(t StoreType, key string, rec Record) error
	GetRecord(t StoreType, key string) (Record, bool)
	GetAllRecords(t StoreType) ([]KeyedRecord, error)
	DeleteRecord(t StoreType, key string) error
	CountRecords(t StoreType) (int, error)

	// === Questions (replace semantics) ===
	// ReplaceQuestions deletes every question for the (episode, lang)
	// pair and bulk-inserts the new set as one logical operation.
	ReplaceQuestions(episodeSlug, lang string, questions []Record) error
	QuestionsFor(episodeSlug, lang string) ([]KeyedRecord, error)

	// === Sync queue (FIFO by insertion) ===
	EnqueueSync(item SyncQueueItem) (uint64, error)
	PendingSync() ([]SyncQueueItem, error)
	UpdateSyncItem(item SyncQueueItem) error
	DeleteSyncItem(id uint64) error

	// === Settings ===
	Setting(name string) (string, bool)
	SetSetting(name, value string) error

	// === Lifecycle ===
	// Fallback reports whether this store is the non-durable in-memory
	// substitute.
	Fallback() bool
	Close() error
}

// Remote is the out-of-scope backend the sync engine replays against.
type Remote interface {
	Create(ctx context.Context, t StoreType, key string, data []byte) error
	Update(ctx context.Context, t StoreType, key string, data []byte) error
	Delete(ctx context.Context, t StoreType, key string) error
	Fetch(ctx context.Context, t StoreType, key string) ([]byte, error)
	// Ping probes connectivity; implementations must honor ctx deadlines.
	Ping(ctx context.Context) error
}
