// Package catalog decides how processed images merge into the store and
// answers browsing queries over it.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/picshelf/internal/fingerprint"
	"github.com/kalambet/picshelf/internal/storage"
)

// Store is the persistence the catalog needs. *storage.Store satisfies it.
type Store interface {
	InsertImage(img storage.Image) (int64, error)
	GetImage(id int64) (storage.Image, error)
	GetImageByHash(hash string) (storage.Image, error)
	GetImageByPath(path string) (storage.Image, error)
	GetImagesByPaths(paths []string) (map[string]storage.Image, error)
	UpdateImageContent(id int64, filename, hash, metadata, analysis string, createdAt time.Time) error
	UpdateImageMetadata(id int64, metadata, analysis string, updatedAt time.Time) error
	UpdateImageAnalysis(id int64, analysis string) error
	DeleteImage(id int64) (bool, error)
	ListImages(q storage.ImageQuery) ([]storage.Image, error)
}

type Catalog struct {
	store    Store
	hashFile func(path string) (string, error)
	now      func() time.Time
	logger   *slog.Logger

	// reconcileMu serializes the lookup-then-write sequence of Reconcile.
	reconcileMu sync.Mutex
}

type Option func(*Catalog)

// WithClock overrides the time source used for backfill timestamps and
// default created_at values.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithFileHasher overrides how CheckExistence fingerprints files on disk.
func WithFileHasher(fn func(path string) (string, error)) Option {
	return func(c *Catalog) { c.hashFile = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

func New(store Store, opts ...Option) *Catalog {
	c := &Catalog{
		store:    store,
		hashFile: fingerprint.File,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not serializable: %v", ErrInvalidInput, err)
	}
	return string(b), nil
}

func marshalAnalysis(a Analysis) (string, error) {
	if a.Objects == nil {
		a.Objects = []string{}
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("%w: analysis is not serializable: %v", ErrInvalidInput, err)
	}
	return string(b), nil
}

func parseMetadata(raw string) (map[string]any, error) {
	m := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func parseAnalysis(raw string) (Analysis, error) {
	var a Analysis
	if strings.TrimSpace(raw) == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

// metadataEmpty treats absent, null, {} and unreadable metadata as empty so
// a later save can backfill it.
func metadataEmpty(raw string) bool {
	m, err := parseMetadata(raw)
	return err != nil || len(m) == 0
}

// decode converts a stored row into a Record. Unreadable blobs become empty
// values; analysisOK reports whether the analysis blob parsed.
func (c *Catalog) decode(img storage.Image) (rec Record, analysisOK bool) {
	rec = Record{
		ID:          img.ID,
		Filename:    img.Filename,
		Path:        img.Path,
		FileHash:    img.FileHash,
		CreatedAt:   img.CreatedAt,
		FirstSeenAt: img.FirstSeenAt,
	}
	if !img.UpdatedAt.IsZero() {
		t := img.UpdatedAt
		rec.UpdatedAt = &t
	}

	var err error
	if rec.Metadata, err = parseMetadata(img.Metadata); err != nil {
		c.logger.Debug("skipping unreadable metadata", "id", img.ID, "error", err)
	}
	rec.Analysis, err = parseAnalysis(img.Analysis)
	if err != nil {
		c.logger.Debug("skipping unreadable analysis", "id", img.ID, "error", err)
		return rec, false
	}
	if rec.Analysis.Objects == nil {
		rec.Analysis.Objects = []string{}
	}
	if rec.Analysis.Tags == nil {
		rec.Analysis.Tags = []string{}
	}
	return rec, true
}
