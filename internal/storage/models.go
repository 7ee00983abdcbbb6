package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a unique constraint.
var ErrConflict = errors.New("unique constraint violation")

// Image is a cataloged image row. Metadata and Analysis hold the JSON
// objects exactly as stored.
type Image struct {
	ID          int64
	Filename    string
	Path        string
	FileHash    string
	Metadata    string // JSON object stored as text
	Analysis    string // JSON object stored as text
	CreatedAt   time.Time
	UpdatedAt   time.Time // zero unless metadata was backfilled
	FirstSeenAt time.Time
}

// ImageQuery narrows ListImages to a created_at window. Zero bounds are open.
type ImageQuery struct {
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

type Job struct {
	ID          string
	BatchID     string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	Result      string
}

// BatchSummary aggregates the jobs of one batch by state and result.
type BatchSummary struct {
	ID        string         `json:"id"`
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Failed    int            `json:"failed"`
	Completed int            `json:"completed"`
	Results   map[string]int `json:"results"`
}

// Done reports whether every job in the batch reached a terminal state.
func (b BatchSummary) Done() bool {
	return b.Total > 0 && b.Pending == 0
}
