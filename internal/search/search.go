// Package search provides fuzzy search over locally cached episodes.
// It reads only the episodes store, so it works fully offline.
package search

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/castkeep/castkeep/internal/domain"
)

// Result is one ranked search hit.
type Result struct {
	Episode domain.Episode
	// Score is the match distance; lower is better.
	Score int
}

// Service indexes cached episode titles for fuzzy matching.
type Service struct {
	store  domain.Storage
	logger *slog.Logger

	mu       sync.RWMutex
	episodes []domain.Episode
	titles   []string // Pre-computed lowercase titles
	indexed  bool
}

// NewService creates a search service over the local store.
func NewService(store domain.Storage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Reindex rebuilds the title index from the episodes store.
func (s *Service) Reindex() error {
	all, err := s.store.GetAllRecords(domain.StoreEpisodes)
	if err != nil {
		return err
	}

	episodes := make([]domain.Episode, 0, len(all))
	titles := make([]string, 0, len(all))
	for _, kr := range all {
		var ep domain.Episode
		if err := json.Unmarshal(kr.Record.Data, &ep); err != nil {
			continue
		}
		episodes = append(episodes, ep)
		titles = append(titles, strings.ToLower(ep.Title))
	}

	s.mu.Lock()
	s.episodes = episodes
	s.titles = titles
	s.indexed = true
	s.mu.Unlock()

	s.logger.Debug("search index rebuilt", "episodes", len(episodes))
	return nil
}

// Search returns cached episodes matching the query, best first. The
// index is built lazily on first use.
func (s *Service) Search(query string, limit int) []Result {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return nil
	}

	s.mu.RLock()
	indexed := s.indexed
	s.mu.RUnlock()
	if !indexed {
		if err := s.Reindex(); err != nil {
			s.logger.Warn("search index build failed", "error", err)
			return nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ranks := fuzzy.RankFindNormalizedFold(query, s.titles)
	sort.Sort(ranks)

	results := make([]Result, 0, len(ranks))
	for _, rank := range ranks {
		results = append(results, Result{
			Episode: s.episodes[rank.OriginalIndex],
			Score:   rank.Distance,
		})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}
