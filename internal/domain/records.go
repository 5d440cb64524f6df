package domain

import (
	"encoding/json"
	"time"
)

// Priority is the coarse importance tier of a cached record. Higher
// priorities are evicted later.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is one of the declared tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StoreType identifies one of the managed record stores.
type StoreType string

const (
	StoreEpisodes    StoreType = "episodes"
	StoreTranscripts StoreType = "transcripts"
	StoreQuestions   StoreType = "questions"
	StoreAudioMeta   StoreType = "audioFiles"
)

// CacheMetadata is the envelope stamped on every record written through
// the cache policy engine. Records without it are unmanaged and exempt
// from eviction scoring.
type CacheMetadata struct {
	StoreType       StoreType     `json:"store_type"`
	Key             string        `json:"key"`
	Priority        Priority      `json:"priority"`
	CachedAt        time.Time     `json:"cached_at"`
	TTL             time.Duration `json:"ttl"`
	AccessCount     int           `json:"access_count"`
	LastAccessed    time.Time     `json:"last_accessed"`
	UserInteraction bool          `json:"user_interaction"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (m *CacheMetadata) Expired(now time.Time) bool {
	return now.Sub(m.CachedAt) > m.TTL
}

// UsageDensity scores how actively a record is used: access count per
// second since the last access. The denominator is clamped to one second
// so a just-accessed record cannot divide by near-zero.
func (m *CacheMetadata) UsageDensity(now time.Time) float64 {
	idle := now.Sub(m.LastAccessed).Seconds()
	if idle < 1 {
		idle = 1
	}
	return float64(m.AccessCount) / idle
}

// Record is the generic unit held in any structured store: an opaque
// JSON payload plus the cache metadata envelope.
type Record struct {
	Data json.RawMessage `json:"data"`
	Meta *CacheMetadata  `json:"cache_metadata,omitempty"`
}

// Managed reports whether the record carries a cache metadata envelope.
func (r Record) Managed() bool {
	return r.Meta != nil
}

// KeyedRecord pairs a record with its store key for full-store scans.
type KeyedRecord struct {
	Key    string
	Record Record
}

// Episode is the podcast episode payload, keyed by slug.
type Episode struct {
	Slug        string    `json:"episode_slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AudioURL    string    `json:"audio_url"`
	Duration    int       `json:"duration_seconds"`
	PublishedAt time.Time `json:"published_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TranscriptSegment is one timed span of transcript text.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is a transcription of one episode in one language.
// ID is assigned by the remote backend; locally created transcripts may
// carry a timestamp-derived temporary ID that must never reach the
// remote store.
type Transcript struct {
	ID          int64               `json:"id"`
	EpisodeSlug string              `json:"episode_slug"`
	Lang        string              `json:"lang"`
	Segments    []TranscriptSegment `json:"segments"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Question is a generated comprehension question anchored to a point in
// an episode. Question identity is not stable across regenerations, so
// a new set for an (episode, lang) pair replaces the old one wholesale.
type Question struct {
	EpisodeSlug string   `json:"episode_slug"`
	Lang        string   `json:"lang"`
	Time        float64  `json:"time"`
	Text        string   `json:"text"`
	Options     []string `json:"options,omitempty"`
	Answer      int      `json:"answer"`
}

// AudioCacheEntry describes one downloaded audio blob. The blob itself
// lives on disk at Path; the entry is the bookkeeping row keyed by URL.
type AudioCacheEntry struct {
	URL          string    `json:"url"`
	EpisodeKey   string    `json:"episode_key"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Operation is a pending mutation kind in the sync queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncQueueItem is one locally-made mutation awaiting replay against the
// remote backend. Owned and mutated exclusively by the sync engine.
type SyncQueueItem struct {
	ID          uint64          `json:"id"`
	StoreType   StoreType       `json:"type"`
	Operation   Operation       `json:"operation"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
}

// NetworkState is the engine's view of connectivity. Mutated only by the
// sync engine; everyone else reads a copy via Engine.Status.
type NetworkState struct {
	Online         bool      `json:"online"`
	SyncInProgress bool      `json:"sync_in_progress"`
	LastCheck      time.Time `json:"last_check"`
}
