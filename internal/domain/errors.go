package domain

import "errors"

// Sentinel errors for cache and sync operations
var (
	// ErrUnknownStoreType indicates a store type with no registered strategy
	ErrUnknownStoreType = errors.New("unknown store type")

	// ErrStoreMissing indicates a requested store does not exist in the schema
	ErrStoreMissing = errors.New("store not found in schema")

	// ErrTxTimeout indicates a storage transaction exceeded its deadline and
	// was abandoned; the operation may be retried
	ErrTxTimeout = errors.New("storage transaction timed out")

	// ErrInvalidTranscript indicates a transcript payload with a malformed shape
	ErrInvalidTranscript = errors.New("invalid transcript payload")

	// ErrInvalidTranscriptID indicates a transcript whose ID is not a positive
	// number and therefore must not be pushed to the remote store
	ErrInvalidTranscriptID = errors.New("invalid transcript id")

	// ErrNoDataOffline indicates neither the remote backend nor the local
	// cache could satisfy a read
	ErrNoDataOffline = errors.New("no data available offline")

	// ErrInsufficientStorage indicates the audio cache is too close to its
	// quota to accept another download
	ErrInsufficientStorage = errors.New("insufficient storage for audio download")

	// ErrFileTooLarge indicates an audio file exceeding half the configured
	// audio cache size
	ErrFileTooLarge = errors.New("audio file too large to cache")

	// ErrServerOffline indicates the remote backend is unreachable
	ErrServerOffline = errors.New("remote backend is unreachable")

	// ErrAuthFailed indicates the remote backend rejected our credentials
	ErrAuthFailed = errors.New("authentication token is invalid")

	// ErrNotFound indicates the remote backend has no such record
	ErrNotFound = errors.New("record not found")
)
