package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy declares the cache policy for one store type.
type Strategy struct {
	TTL      time.Duration
	MaxSize  int
	Priority Priority
}

// EvictionTarget is the population a store is trimmed to when an
// insert would exceed MaxSize. Trimming to 80% avoids re-evicting on
// every subsequent write.
func (s Strategy) EvictionTarget() int {
	return int(float64(s.MaxSize) * 0.8)
}

// Validator checks a payload before it is cached or synced. A nil
// validator accepts everything.
type Validator func(data json.RawMessage) error

// StoreDef binds a store type to its strategy and validator. It is the
// single source of truth for per-type dispatch; components look types up
// here instead of switching on strings.
type StoreDef struct {
	Type     StoreType
	Strategy Strategy
	Validate Validator
}

// Registry maps each managed store type to its definition.
type Registry struct {
	defs  map[StoreType]StoreDef
	order []StoreType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[StoreType]StoreDef)}
}

// Register adds or replaces a store definition.
func (r *Registry) Register(def StoreDef) {
	if _, exists := r.defs[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.defs[def.Type] = def
}

// Lookup returns the definition for a store type.
func (r *Registry) Lookup(t StoreType) (StoreDef, bool) {
	def, ok := r.defs[t]
	return def, ok
}

// Types returns all registered store types in registration order.
func (r *Registry) Types() []StoreType {
	out := make([]StoreType, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultRegistry returns the standard strategies for the four managed
// stores.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(StoreDef{
		Type:     StoreEpisodes,
		Strategy: Strategy{TTL: 6 * time.Hour, MaxSize: 200, Priority: PriorityCritical},
	})
	r.Register(StoreDef{
		Type:     StoreTranscripts,
		Strategy: Strategy{TTL: 24 * time.Hour, MaxSize: 50, Priority: PriorityHigh},
		Validate: ValidateTranscript,
	})
	r.Register(StoreDef{
		Type:     StoreQuestions,
		Strategy: Strategy{TTL: 12 * time.Hour, MaxSize: 100, Priority: PriorityHigh},
	})
	r.Register(StoreDef{
		Type:     StoreAudioMeta,
		Strategy: Strategy{TTL: 7 * 24 * time.Hour, MaxSize: 500, Priority: PriorityNormal},
	})
	return r
}

// ValidateTranscript rejects payloads that do not decode into a
// transcript with an episode slug and language.
func ValidateTranscript(data json.RawMessage) error {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}
	if t.EpisodeSlug == "" {
		return fmt.Errorf("%w: missing episode_slug", ErrInvalidTranscript)
	}
	if t.Lang == "" {
		return fmt.Errorf("%w: missing lang", ErrInvalidTranscript)
	}
	return nil
}

// ValidTranscriptID reports whether a transcript ID is safe to push to
// the remote store. Timestamp-derived temporary IDs are negative or
// zero-padded locally, so only strictly positive IDs pass.
func ValidTranscriptID(id int64) bool {
	return id > 0
}
