package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/kalambet/picshelf/internal/storage"
)

// Get returns a single record.
func (c *Catalog) Get(id int64) (Record, error) {
	img, err := c.store.GetImage(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	rec, _ := c.decode(img)
	return rec, nil
}

// CheckExistence fingerprints the file at path and compares it with the
// stored record for that path. A stored record without a hash counts as up
// to date.
func (c *Catalog) CheckExistence(path string) (Existence, error) {
	if strings.TrimSpace(path) == "" {
		return Existence{}, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	current, err := c.hashFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Existence{Status: StatusMissingOnDisk}, nil
	}
	if err != nil {
		return Existence{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	img, err := c.store.GetImageByPath(path)
	if errors.Is(err, storage.ErrNotFound) {
		return Existence{Status: StatusNotInDatabase, CurrentHash: current}, nil
	}
	if err != nil {
		return Existence{}, fmt.Errorf("looking up path: %w", err)
	}

	if img.FileHash != "" && img.FileHash != current {
		return Existence{Status: StatusContentChanged, CurrentHash: current}, nil
	}
	rec, _ := c.decode(img)
	return Existence{Status: StatusUpToDate, CurrentHash: current, Record: &rec}, nil
}

// CheckExistenceBulk returns the stored record for every path that has one.
// No file on disk is read.
func (c *Catalog) CheckExistenceBulk(paths []string) (map[string]Record, error) {
	seen := make(map[string]bool, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return map[string]Record{}, nil
	}

	imgs, err := c.store.GetImagesByPaths(unique)
	if err != nil {
		return nil, fmt.Errorf("looking up paths: %w", err)
	}
	result := make(map[string]Record, len(imgs))
	for p, img := range imgs {
		rec, _ := c.decode(img)
		result[p] = rec
	}
	return result, nil
}

// Delete removes a record. A missing id reports false, not an error.
func (c *Catalog) Delete(id int64) (bool, error) {
	removed, err := c.store.DeleteImage(id)
	if err != nil {
		return false, fmt.Errorf("deleting image %d: %w", id, err)
	}
	return removed, nil
}

// UpdateTags replaces the stored analysis of a record. The new analysis is
// stored as given.
func (c *Catalog) UpdateTags(id int64, a Analysis) (Record, error) {
	raw, err := marshalAnalysis(a)
	if err != nil {
		return Record{}, err
	}
	if err := c.store.UpdateImageAnalysis(id, raw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Record{}, fmt.Errorf("image %d: %w", id, ErrNotFound)
		}
		return Record{}, fmt.Errorf("updating analysis of image %d: %w", id, err)
	}
	return c.Get(id)
}
