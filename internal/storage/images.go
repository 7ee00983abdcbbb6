package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so that text comparison on created_at matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// maxPathsPerQuery keeps IN lists below SQLite's bound-variable limit.
const maxPathsPerQuery = 500

const imageColumns = `id, filename, path, file_hash, metadata, analysis, created_at, updated_at, first_seen_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (Image, error) {
	var img Image
	var createdAt string
	var updatedAt, firstSeenAt sql.NullString
	if err := row.Scan(&img.ID, &img.Filename, &img.Path, &img.FileHash, &img.Metadata, &img.Analysis,
		&createdAt, &updatedAt, &firstSeenAt); err != nil {
		return Image{}, err
	}

	var err error
	if img.CreatedAt, err = parseTime(createdAt); err != nil {
		return Image{}, fmt.Errorf("parsing created_at for image %d: %w", img.ID, err)
	}
	if updatedAt.Valid && updatedAt.String != "" {
		if img.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
			return Image{}, fmt.Errorf("parsing updated_at for image %d: %w", img.ID, err)
		}
	}
	if firstSeenAt.Valid && firstSeenAt.String != "" {
		if img.FirstSeenAt, err = parseTime(firstSeenAt.String); err != nil {
			return Image{}, fmt.Errorf("parsing first_seen_at for image %d: %w", img.ID, err)
		}
	} else {
		img.FirstSeenAt = img.CreatedAt
	}
	return img, nil
}

func jsonOrEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

// InsertImage stores a new image and returns its assigned id. A second row
// for an existing path fails with ErrConflict.
func (s *Store) InsertImage(img Image) (int64, error) {
	createdAt := formatTime(img.CreatedAt)
	res, err := s.db.Exec(`
		INSERT INTO images (filename, path, file_hash, metadata, analysis, created_at, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		img.Filename, img.Path, img.FileHash, jsonOrEmpty(img.Metadata), jsonOrEmpty(img.Analysis),
		createdAt, createdAt,
	)
	if isUniqueConstraint(err) {
		return 0, fmt.Errorf("inserting %s: %w", img.Path, ErrConflict)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetImage(id int64) (Image, error) {
	img, err := scanImage(s.db.QueryRow(`SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	return img, err
}

// GetImageByHash returns the oldest image with the given content hash.
func (s *Store) GetImageByHash(hash string) (Image, error) {
	img, err := scanImage(s.db.QueryRow(`SELECT `+imageColumns+` FROM images WHERE file_hash = ? ORDER BY id ASC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	return img, err
}

func (s *Store) GetImageByPath(path string) (Image, error) {
	img, err := scanImage(s.db.QueryRow(`SELECT `+imageColumns+` FROM images WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	return img, err
}

// GetImagesByPaths returns the stored images keyed by path. Paths without a
// row are omitted.
func (s *Store) GetImagesByPaths(paths []string) (map[string]Image, error) {
	result := make(map[string]Image, len(paths))
	for start := 0; start < len(paths); start += maxPathsPerQuery {
		end := min(start+maxPathsPerQuery, len(paths))
		chunk := paths[start:end]

		placeholders := strings.Repeat(",?", len(chunk)-1)
		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}

		rows, err := s.db.Query(`SELECT `+imageColumns+` FROM images WHERE path IN (?`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			img, err := scanImage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[img.Path] = img
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UpdateImageContent overwrites every mutable field of an image whose file
// changed on disk. created_at is replaced; first_seen_at is kept.
func (s *Store) UpdateImageContent(id int64, filename, hash, metadata, analysis string, createdAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE images SET filename = ?, file_hash = ?, metadata = ?, analysis = ?, created_at = ?
		WHERE id = ?`,
		filename, hash, jsonOrEmpty(metadata), jsonOrEmpty(analysis), formatTime(createdAt), id,
	)
	return expectOneRow(res, err)
}

// UpdateImageMetadata backfills metadata and analysis without touching path,
// file_hash or created_at.
func (s *Store) UpdateImageMetadata(id int64, metadata, analysis string, updatedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE images SET metadata = ?, analysis = ?, updated_at = ?
		WHERE id = ?`,
		jsonOrEmpty(metadata), jsonOrEmpty(analysis), formatTime(updatedAt), id,
	)
	return expectOneRow(res, err)
}

func (s *Store) UpdateImageAnalysis(id int64, analysis string) error {
	res, err := s.db.Exec(`UPDATE images SET analysis = ? WHERE id = ?`, jsonOrEmpty(analysis), id)
	return expectOneRow(res, err)
}

// DeleteImage removes an image and reports whether a row existed.
func (s *Store) DeleteImage(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListImages returns images newest first, ties broken by id descending.
func (s *Store) ListImages(q ImageQuery) ([]Image, error) {
	var where []string
	var args []any
	if !q.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(q.CreatedTo))
	}

	query := `SELECT ` + imageColumns + ` FROM images`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, img)
	}
	return results, rows.Err()
}

func (s *Store) CountImages() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
