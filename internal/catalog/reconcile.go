package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/picshelf/internal/storage"
)

// Reconcile merges one processed file into the catalog. The checks run in a
// fixed order: content hash first, then path, then insert. Exactly one
// outcome is reported per call. Concurrent calls are serialized so two copies
// of the same content cannot both be inserted.
func (c *Catalog) Reconcile(req SaveRequest) (SaveResult, error) {
	if strings.TrimSpace(req.FileHash) == "" {
		return SaveResult{}, fmt.Errorf("%w: file_hash is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Path) == "" {
		return SaveResult{}, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return SaveResult{}, err
	}
	analysis, err := marshalAnalysis(req.Analysis)
	if err != nil {
		return SaveResult{}, err
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}

	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	existing, err := c.store.GetImageByHash(req.FileHash)
	switch {
	case err == nil:
		if metadataEmpty(existing.Metadata) && len(req.Metadata) > 0 {
			if err := c.store.UpdateImageMetadata(existing.ID, metadata, analysis, c.now()); err != nil {
				return SaveResult{}, fmt.Errorf("backfilling metadata for image %d: %w", existing.ID, err)
			}
			c.logger.Debug("metadata backfilled", "id", existing.ID, "path", existing.Path)
			return SaveResult{Outcome: OutcomeUpdated, Reason: ReasonBackfill, ID: existing.ID}, nil
		}
		c.logger.Debug("duplicate content", "path", req.Path, "existing_path", existing.Path)
		return SaveResult{Outcome: OutcomeDuplicate, ID: existing.ID, ExistingPath: existing.Path}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return SaveResult{}, fmt.Errorf("looking up hash: %w", err)
	}

	byPath, err := c.store.GetImageByPath(req.Path)
	switch {
	case err == nil:
		if err := c.store.UpdateImageContent(byPath.ID, req.Filename, req.FileHash, metadata, analysis, createdAt); err != nil {
			return SaveResult{}, fmt.Errorf("updating image %d: %w", byPath.ID, err)
		}
		c.logger.Debug("content changed", "id", byPath.ID, "path", req.Path)
		return SaveResult{Outcome: OutcomeUpdated, Reason: ReasonContentChanged, ID: byPath.ID}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return SaveResult{}, fmt.Errorf("looking up path: %w", err)
	}

	id, err := c.store.InsertImage(storage.Image{
		Filename:  req.Filename,
		Path:      req.Path,
		FileHash:  req.FileHash,
		Metadata:  metadata,
		Analysis:  analysis,
		CreatedAt: createdAt,
	})
	if errors.Is(err, storage.ErrConflict) {
		return SaveResult{}, fmt.Errorf("%w: %s was inserted concurrently", ErrStorageConflict, req.Path)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("inserting image: %w", err)
	}
	c.logger.Debug("image added", "id", id, "path", req.Path)
	return SaveResult{Outcome: OutcomeNew, ID: id}, nil
}
