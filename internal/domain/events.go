package domain

import "time"

// SyncEventType labels sync engine lifecycle events.
type SyncEventType string

const (
	SyncStart       SyncEventType = "sync_start"
	SyncComplete    SyncEventType = "sync_complete"
	SyncItemSuccess SyncEventType = "sync_item_success"
	SyncItemError   SyncEventType = "sync_item_error"
)

// SyncEvent reports progress of a sync queue replay.
type SyncEvent struct {
	Type SyncEventType

	// Item is set for per-item events.
	Item *SyncQueueItem

	// Terminal marks an item dropped after exhausting its attempts.
	Terminal bool

	// Batch counters, set on SyncComplete (Total also on SyncStart).
	SuccessCount int
	ErrorCount   int
	TotalCount   int

	Err error
}

// DownloadEventType labels audio blob cache events.
type DownloadEventType string

const (
	DownloadStart    DownloadEventType = "download_start"
	DownloadProgress DownloadEventType = "download_progress"
	DownloadComplete DownloadEventType = "download_complete"
	DownloadError    DownloadEventType = "download_error"
	RemoveComplete   DownloadEventType = "remove_complete"
	RemoveError      DownloadEventType = "remove_error"
)

// DownloadEvent reports audio download and removal progress.
type DownloadEvent struct {
	Type    DownloadEventType
	URL     string
	Loaded  int64
	Total   int64
	Percent float64
	Err     error
}

// NetworkEvent reports an online/offline transition.
type NetworkEvent struct {
	Online bool
	At     time.Time
}
