package models

import (
	"time"
)

// Item statuses persisted in Postgres. Completed and Failed are absorbing:
// no component transitions a row out of either.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusError      = "error"
)

// Job types handled by the internal job queue. The set is closed: a type is
// added here and in the worker registry, never discovered at runtime.
const (
	JobTranscribeAudio = "transcribe_audio"
	JobGenerateSummary = "generate_summary"
	JobSyncHistory     = "sync_history"
	JobArchivePayload  = "archive_payload"
)

// Metadata is the free-form bag on a queue row. The recovery sweeper owns
// RetryCount and RecoveredAt; consumers may stash anything else.
type Metadata struct {
	RetryCount  int            `json:"retry_count,omitempty"`
	RecoveredAt *time.Time     `json:"recovered_at,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// QueueItem is one row of a durable queue table (webhook_events or jobs).
// Payload is opaque to the engine; only the handler registry interprets it.
type QueueItem struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	JobType        string         `json:"job_type,omitempty"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	DedupKey       *string        `json:"dedup_key,omitempty"`
	ErrorLog       *string        `json:"error_log,omitempty"`
	Metadata       Metadata       `json:"metadata"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the item has reached an absorbing state.
func (i QueueItem) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}
