package ingest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/storage"
)

// Payload is the JSON body of an analyze_image job.
type Payload struct {
	Path string `json:"path"`
}

// BatchEnqueuer stores a group of jobs atomically.
type BatchEnqueuer interface {
	EnqueueJobs(jobs []storage.Job) error
}

// EnqueueBatch queues one analyze_image job per distinct path and returns
// the new batch id and the number of jobs queued.
func EnqueueBatch(store BatchEnqueuer, paths []string) (string, int, error) {
	seen := make(map[string]bool, len(paths))
	batchID := uuid.New().String()
	jobs := make([]storage.Job, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if !filepath.IsAbs(p) {
			return "", 0, fmt.Errorf("%w: path must be absolute: %q", catalog.ErrInvalidInput, p)
		}
		seen[p] = true

		payload, err := json.Marshal(Payload{Path: p})
		if err != nil {
			return "", 0, err
		}
		jobs = append(jobs, storage.Job{
			ID:          uuid.New().String(),
			BatchID:     batchID,
			Type:        JobTypeAnalyze,
			PayloadJSON: string(payload),
		})
	}
	if len(jobs) == 0 {
		return "", 0, fmt.Errorf("%w: no paths to process", catalog.ErrInvalidInput)
	}

	if err := store.EnqueueJobs(jobs); err != nil {
		return "", 0, fmt.Errorf("enqueueing batch: %w", err)
	}
	return batchID, len(jobs), nil
}
