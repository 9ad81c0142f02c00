// Package pop implements the durable proof-of-play pipeline: an append-only
// event log owned by a single writer goroutine, rotated into immutable
// segments, and a submitter loop that uploads ready segments to the
// collector.
package pop

import (
	"context"
	"time"
)

// Settings carries the collector-side cadence for logging and submission.
type Settings struct {
	// MaxDelay is the longest an open segment with content stays active.
	MaxDelay time.Duration
	// MaxLines closes a segment once it holds this many entries.
	MaxLines int
	// SubmitDelay is the pause after a successful submitter cycle.
	SubmitDelay time.Duration
	// ErrorDelay is the pause after a failed upload.
	ErrorDelay time.Duration
}

// SubmitResult is the collector's verdict on one uploaded segment.
type SubmitResult struct {
	// Disabled means proof of play is administratively off for this
	// device. The segment is discarded, never re-queued.
	Disabled bool `json:"disabled"`
}

// API is the narrow slice of the on-device API the pipeline consumes.
type API interface {
	// Settings fetches the collector-side cadence settings.
	Settings(ctx context.Context) (Settings, error)
	// Submit uploads the segment at path together with the number of
	// ready segments observed at scan start.
	Submit(ctx context.Context, path string, queueSize int) (SubmitResult, error)
}
