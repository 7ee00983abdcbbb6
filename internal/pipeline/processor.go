// Package pipeline runs one image file through fingerprinting, analysis,
// reconciliation and thumbnailing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/picshelf/internal/analysis"
	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/fingerprint"
)

// OutcomeSkipped reports a file whose stored hash already matches the disk.
const OutcomeSkipped = "skipped"

// Catalog is the slice of *catalog.Catalog the processor uses.
type Catalog interface {
	CheckExistenceBulk(paths []string) (map[string]catalog.Record, error)
	Reconcile(req catalog.SaveRequest) (catalog.SaveResult, error)
}

// Analyzer describes image bytes.
type Analyzer interface {
	AnalyzeBytes(ctx context.Context, data []byte) (analysis.Result, error)
}

// Thumbnailer writes a preview for an image.
type Thumbnailer interface {
	Create(data []byte, filename string) (string, error)
}

// Result is what happened to one file.
type Result struct {
	Path      string
	Outcome   string
	Reason    catalog.Reason
	ID        int64
	Thumbnail string
	Duration  time.Duration
}

type Processor struct {
	catalog  Catalog
	analyzer Analyzer
	thumbs   Thumbnailer
	logger   *slog.Logger
}

// NewProcessor wires a Processor. thumbs may be nil to skip thumbnails.
func NewProcessor(c Catalog, a Analyzer, thumbs Thumbnailer) *Processor {
	return &Processor{catalog: c, analyzer: a, thumbs: thumbs, logger: slog.Default()}
}

// Process handles the file at path. Files already cataloged with the same
// content are skipped without calling the vision model. Thumbnail failures
// are logged and do not fail the file.
func (p *Processor) Process(ctx context.Context, path string) (res Result, err error) {
	start := time.Now()
	res.Path = path
	defer func() { res.Duration = time.Since(start) }()

	if path == "" || !filepath.IsAbs(path) {
		return res, fmt.Errorf("%w: path must be absolute: %q", catalog.ErrInvalidInput, path)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%w: %s does not exist", catalog.ErrInvalidInput, path)
	}
	if err != nil {
		return res, fmt.Errorf("reading %s: %w", path, err)
	}
	hash := fingerprint.Bytes(data)

	existing, err := p.catalog.CheckExistenceBulk([]string{path})
	if err != nil {
		return res, err
	}
	if rec, ok := existing[path]; ok && rec.FileHash == hash {
		res.Outcome = OutcomeSkipped
		res.ID = rec.ID
		p.logger.Debug("unchanged, skipping", "path", path, "id", rec.ID)
		return res, nil
	}

	analyzed, err := p.analyzer.AnalyzeBytes(ctx, data)
	if err != nil {
		return res, fmt.Errorf("analyzing %s: %w", path, err)
	}

	filename := filepath.Base(path)
	saved, err := p.catalog.Reconcile(catalog.SaveRequest{
		Filename: filename,
		Path:     path,
		FileHash: hash,
		Metadata: analyzed.Metadata,
		Analysis: analyzed.Description,
	})
	if err != nil {
		return res, fmt.Errorf("saving %s: %w", path, err)
	}
	res.Outcome = string(saved.Outcome)
	res.Reason = saved.Reason
	res.ID = saved.ID

	if saved.Outcome != catalog.OutcomeDuplicate && p.thumbs != nil {
		rel, err := p.thumbs.Create(data, filename)
		if err != nil {
			p.logger.Warn("thumbnail failed", "path", path, "error", err)
		} else {
			res.Thumbnail = rel
		}
	}

	p.logger.Info("image processed", "path", path, "outcome", res.Outcome, "id", res.ID)
	return res, nil
}
