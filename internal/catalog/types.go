package catalog

import (
	"encoding/json"
	"strings"
	"time"
)

// Analysis is the description a vision model produced for an image.
type Analysis struct {
	Summary        string          `json:"summary"`
	Objects        []string        `json:"objects"`
	Tags           []string        `json:"tags"`
	SceneType      string          `json:"scene_type"`
	VisualElements json.RawMessage `json:"visual_elements,omitempty"`
}

// IsEmpty reports whether the analysis carries no descriptive content.
func (a Analysis) IsEmpty() bool {
	return strings.TrimSpace(a.Summary) == "" && len(a.Objects) == 0 && len(a.Tags) == 0 && strings.TrimSpace(a.SceneType) == ""
}

// Record is the decoded view of a stored image.
type Record struct {
	ID          int64          `json:"id"`
	Filename    string         `json:"filename"`
	Path        string         `json:"path"`
	FileHash    string         `json:"file_hash"`
	Metadata    map[string]any `json:"metadata"`
	Analysis    Analysis       `json:"analysis"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	FirstSeenAt time.Time      `json:"first_seen_at"`
}

type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
)

// Reason qualifies an OutcomeUpdated.
type Reason string

const (
	ReasonBackfill       Reason = "metadata_backfill"
	ReasonContentChanged Reason = "content_changed"
)

// SaveRequest is one processed file offered to Reconcile.
type SaveRequest struct {
	Filename  string
	Path      string
	FileHash  string
	Metadata  map[string]any
	Analysis  Analysis
	CreatedAt time.Time
}

// SaveResult reports what Reconcile did. ExistingPath is set for duplicates.
type SaveResult struct {
	Outcome      Outcome
	Reason       Reason
	ID           int64
	ExistingPath string
}

type TagMode string

const (
	TagModeAnd TagMode = "and"
	TagModeOr  TagMode = "or"
)

// SceneAll is the scene filter value that disables scene filtering.
const SceneAll = "all"

// Filter selects records in Search. Zero-valued fields are inactive.
type Filter struct {
	Text      string
	Tags      []string
	TagMode   TagMode
	SceneType string
	Start     time.Time
	End       time.Time // inclusive through the end of this UTC day
	Limit     int
}

// TermCount is one aggregated tag or object.
type TermCount struct {
	Name    string `json:"name"`
	Count   int    `json:"count"`
	Display string `json:"display"`
}

type Stats struct {
	Images  int         `json:"images"`
	Skipped int         `json:"skipped"`
	Tags    []TermCount `json:"tags"`
	Objects []TermCount `json:"objects"`
}

type ExistenceStatus string

const (
	StatusNotInDatabase  ExistenceStatus = "not-in-database"
	StatusContentChanged ExistenceStatus = "content-changed"
	StatusUpToDate       ExistenceStatus = "up-to-date"
	StatusMissingOnDisk  ExistenceStatus = "missing-on-disk"
)

// Reason returns the human-readable explanation shown to users.
func (s ExistenceStatus) Reason() string {
	switch s {
	case StatusNotInDatabase:
		return "Not in database"
	case StatusContentChanged:
		return "File content changed"
	case StatusMissingOnDisk:
		return "File not found on disk"
	default:
		return ""
	}
}

// Existence is the result of CheckExistence. Record is set only when the
// stored entry is up to date.
type Existence struct {
	Status      ExistenceStatus
	CurrentHash string
	Record      *Record
}
