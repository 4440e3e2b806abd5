package models

import (
	"time"
)

// EntryStatus enumerates the externally visible lifecycle states of a queue entry.
const (
	StatusExists    = "exists"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// QueueEntry represents one user-initiated request to archive a URL.
// It is persisted in the queue store and mutated only by reconciler patches.
type QueueEntry struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	Title            string    `json:"title,omitempty"`
	Status           string    `json:"status"`
	DownloadTaskID   string    `json:"download_task_id,omitempty"`
	DownloadProgress float64   `json:"download_progress,omitempty"`
	DownloadMessage  string    `json:"download_message,omitempty"`
	ScanTaskID       string    `json:"scan_task_id,omitempty"`
	ScanProgress     float64   `json:"scan_progress,omitempty"`
	ScanMessage      string    `json:"scan_message,omitempty"`
	ArchiveID        string    `json:"archive_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Active reports whether the entry still requires polling: not yet terminal,
// or a completed download whose scan task has not been discovered.
func (e QueueEntry) Active() bool {
	switch e.Status {
	case StatusQueued, StatusRunning:
		return true
	case StatusCompleted:
		return e.DownloadTaskID != "" && e.ScanTaskID == "" && e.ArchiveID == ""
	default:
		return false
	}
}

// Terminal reports whether the entry reached its final state: an archive id is
// known and the status is completed. No further poller patches apply.
func (e QueueEntry) Terminal() bool {
	return e.Status == StatusCompleted && e.ArchiveID != ""
}
