// Package audio implements the size-bounded binary cache for downloaded
// episode audio, separate from the structured-record cache.
package audio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/castkeep/castkeep/internal/domain"
	"github.com/castkeep/castkeep/internal/event"
)

const (
	// minFreeSpace is the pre-flight floor: a download is refused when
	// the remaining quota is below this.
	minFreeSpace = 50 << 20 // 50 MB

	// evictFreeFraction is how much of the max size must be free after
	// an eviction pass.
	evictFreeFraction = 0.30

	// maxFileFraction caps a single file relative to the cache size.
	maxFileFraction = 0.5

	defaultDownloadTimeout = 10 * time.Minute
)

// Cache is the audio blob cache. Blobs live as files under dir; the
// bookkeeping entries live in the audioFiles store keyed by URL.
// Entries are written without a cache metadata envelope, so the
// structured-record eviction never touches them; the blob cache runs
// its own LRU.
type Cache struct {
	dir     string
	maxSize int64
	store   domain.Storage
	client  *http.Client
	logger  *slog.Logger
	emitter *event.Emitter[domain.DownloadEvent]

	mu       sync.Mutex
	inflight map[string]bool

	// minFree is the pre-flight free-space floor.
	minFree int64

	now func() time.Time
}

// Stats aggregates blob cache usage.
type Stats struct {
	Count     int
	TotalSize int64
	MaxSize   int64
}

// NewCache creates the blob cache rooted at dir with the given size
// ceiling in bytes.
func NewCache(dir string, maxSize int64, store domain.Storage, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio cache directory: %w", err)
	}
	return &Cache{
		dir:      dir,
		maxSize:  maxSize,
		store:    store,
		client:   &http.Client{Timeout: defaultDownloadTimeout},
		logger:   logger,
		emitter:  event.NewEmitter[domain.DownloadEvent](logger),
		inflight: make(map[string]bool),
		minFree:  minFreeSpace,
		now:      time.Now,
	}, nil
}

// OnDownloadProgress subscribes to download and removal events and
// returns the unsubscribe function.
func (c *Cache) OnDownloadProgress(fn func(domain.DownloadEvent)) func() {
	return c.emitter.Subscribe(fn)
}

// SetMaxSize adjusts the cache ceiling (user setting).
func (c *Cache) SetMaxSize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
}

func (c *Cache) entry(url string) (domain.AudioCacheEntry, bool) {
	rec, ok := c.store.GetRecord(domain.StoreAudioMeta, url)
	if !ok {
		return domain.AudioCacheEntry{}, false
	}
	var e domain.AudioCacheEntry
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return domain.AudioCacheEntry{}, false
	}
	return e, true
}

func (c *Cache) saveEntry(e domain.AudioCacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.SaveRecord(domain.StoreAudioMeta, e.URL, domain.Record{Data: data})
}

// IsCached reports whether a URL's audio is present on disk.
func (c *Cache) IsCached(url string) bool {
	e, ok := c.entry(url)
	if !ok {
		return false
	}
	if _, err := os.Stat(e.Path); err != nil {
		return false
	}
	return true
}

// CachedSize returns the stored size for a URL, or 0 when absent.
func (c *Cache) CachedSize(url string) int64 {
	e, ok := c.entry(url)
	if !ok {
		return 0
	}
	return e.Size
}

// CacheAudio downloads and caches the audio at url.
//
// Returns false immediately when a download for the same URL is already
// in flight, and true immediately when the URL is cached and force is
// unset (refreshing its last-accessed time). Otherwise it streams the
// download, reporting progress through the event channel, and installs
// the blob after making room.
func (c *Cache) CacheAudio(ctx context.Context, url, episodeKey string, force bool) (bool, error) {
	c.mu.Lock()
	if c.inflight[url] {
		c.mu.Unlock()
		return false, nil
	}
	c.inflight[url] = true
	maxSize := c.maxSize
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, url)
		c.mu.Unlock()
	}()

	if !force && c.IsCached(url) {
		c.touch(url)
		return true, nil
	}

	// The floor measures headroom, not a permanent ceiling: when usage
	// crowds it, evict before refusing.
	usage := c.totalSize()
	if maxSize-usage < c.minFree {
		if target := maxSize - c.minFree; target >= 0 {
			c.evictTo(target)
			usage = c.totalSize()
		}
	}
	if maxSize-usage < c.minFree {
		err := fmt.Errorf("%w: %d bytes free of %d", domain.ErrInsufficientStorage, maxSize-usage, maxSize)
		c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadError, URL: url, Err: err})
		return false, err
	}

	path, size, err := c.download(ctx, url, maxSize)
	if err != nil {
		c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadError, URL: url, Err: err})
		return false, err
	}

	// Make room before installing: at least 30% of the budget free, and
	// never let the new blob push the total past the budget.
	if c.totalSize()+size > maxSize {
		target := maxSize - int64(float64(maxSize)*evictFreeFraction)
		if byFit := maxSize - size; byFit < target {
			target = byFit
		}
		c.evictTo(target)
	}

	final := c.blobPath(url)
	if err := os.Rename(path, final); err != nil {
		os.Remove(path)
		c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadError, URL: url, Err: err})
		return false, err
	}

	now := c.now()
	entry := domain.AudioCacheEntry{
		URL:          url,
		EpisodeKey:   episodeKey,
		Size:         size,
		Path:         final,
		CachedAt:     now,
		LastAccessed: now,
	}
	if err := c.saveEntry(entry); err != nil {
		os.Remove(final)
		c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadError, URL: url, Err: err})
		return false, err
	}

	c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadComplete, URL: url, Loaded: size, Total: size, Percent: 100})
	c.logger.Info("cached audio", "url", url, "size", size)
	return true, nil
}

// download streams the URL to a temp file, emitting progress events.
func (c *Cache) download(ctx context.Context, url string, maxSize int64) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sizeLimit := int64(float64(maxSize) * maxFileFraction)
	if resp.ContentLength > 0 && resp.ContentLength > sizeLimit {
		return "", 0, fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrFileTooLarge, resp.ContentLength, sizeLimit)
	}

	c.emitter.Emit(domain.DownloadEvent{Type: domain.DownloadStart, URL: url, Total: resp.ContentLength})

	tmp, err := os.CreateTemp(c.dir, "download-*")
	if err != nil {
		return "", 0, err
	}

	pr := &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		onProgress: func(loaded, total int64, percent float64) {
			c.emitter.Emit(domain.DownloadEvent{
				Type: domain.DownloadProgress, URL: url,
				Loaded: loaded, Total: total, Percent: percent,
			})
		},
	}

	size, err := io.Copy(tmp, pr)
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if size > sizeLimit {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrFileTooLarge, size, sizeLimit)
	}

	return tmp.Name(), size, nil
}

// touch refreshes a URL's last-accessed time.
func (c *Cache) touch(url string) {
	e, ok := c.entry(url)
	if !ok {
		return
	}
	e.LastAccessed = c.now()
	if err := c.saveEntry(e); err != nil {
		c.logger.Debug("failed to refresh audio access time", "url", url, "error", err)
	}
}

// RemoveFromCache deletes the blob and its entry for a URL.
func (c *Cache) RemoveFromCache(url string) error {
	e, ok := c.entry(url)
	if !ok {
		return nil
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		c.emitter.Emit(domain.DownloadEvent{Type: domain.RemoveError, URL: url, Err: err})
		return err
	}
	if err := c.store.DeleteRecord(domain.StoreAudioMeta, url); err != nil {
		c.emitter.Emit(domain.DownloadEvent{Type: domain.RemoveError, URL: url, Err: err})
		return err
	}
	c.emitter.Emit(domain.DownloadEvent{Type: domain.RemoveComplete, URL: url})
	return nil
}

// ClearCache removes every cached blob and entry.
func (c *Cache) ClearCache() error {
	entries, err := c.entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.RemoveFromCache(e.URL); err != nil {
			return err
		}
	}
	return nil
}

// Refresh deletes and re-downloads a URL.
func (c *Cache) Refresh(ctx context.Context, url, episodeKey string) (bool, error) {
	if err := c.RemoveFromCache(url); err != nil {
		return false, err
	}
	return c.CacheAudio(ctx, url, episodeKey, true)
}

// GetCacheStats returns aggregate size and count.
func (c *Cache) GetCacheStats() Stats {
	entries, err := c.entries()
	if err != nil {
		return Stats{MaxSize: c.maxSize}
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return Stats{Count: len(entries), TotalSize: total, MaxSize: c.maxSize}
}

func (c *Cache) entries() ([]domain.AudioCacheEntry, error) {
	all, err := c.store.GetAllRecords(domain.StoreAudioMeta)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AudioCacheEntry, 0, len(all))
	for _, kr := range all {
		var e domain.AudioCacheEntry
		if err := json.Unmarshal(kr.Record.Data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Cache) totalSize() int64 {
	entries, err := c.entries()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// evictTo removes oldest-by-last-accessed blobs until total usage is at
// most target. Audio has no priority tiers; eviction is pure LRU.
func (c *Cache) evictTo(target int64) {
	entries, err := c.entries()
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	for _, e := range entries {
		if total <= target {
			break
		}
		if err := c.RemoveFromCache(e.URL); err != nil {
			c.logger.Warn("audio eviction failed", "url", e.URL, "error", err)
			continue
		}
		total -= e.Size
		c.logger.Info("evicted audio", "url", e.URL, "size", e.Size)
	}
}

// blobPath names a blob file by a hash of its URL, keeping the original
// extension for players that sniff by suffix.
func (c *Cache) blobPath(url string) string {
	hash := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(hash[:8])
	if ext := filepath.Ext(url); ext != "" && len(ext) <= 5 {
		name += ext
	}
	return filepath.Join(c.dir, name)
}
