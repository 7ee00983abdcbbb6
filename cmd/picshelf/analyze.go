package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/picshelf/internal/analysis"
	"github.com/kalambet/picshelf/internal/api"
	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/fingerprint"
)

const hashConcurrency = 4

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".avif": true,
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// collectImages walks root and returns the absolute paths of image files,
// sorted. Hidden directories are skipped.
func collectImages(root string, recursive bool) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if isImageFile(d.Name()) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// hashFiles fingerprints paths in parallel. Files that cannot be read are
// reported in failed and left out of hashes.
func hashFiles(ctx context.Context, paths []string) (hashes map[string]string, failed map[string]error, err error) {
	hashes = make(map[string]string, len(paths))
	failed = make(map[string]error)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := fingerprint.File(p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[p] = err
			} else {
				hashes[p] = h
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return hashes, failed, nil
}

// filterChanged drops paths whose stored hash matches the local one. A stored
// record without a hash counts as unchanged.
func filterChanged(hashes map[string]string, stored map[string]api.RecordView) []string {
	var out []string
	for p, h := range hashes {
		rec, ok := stored[p]
		if ok && (rec.FileHash == "" || rec.FileHash == h) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func absPaths(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func dataURI(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// changedFiles hashes paths and asks the server which of them need work.
func changedFiles(ctx context.Context, c *apiClient, paths []string, hashes map[string]string) ([]string, error) {
	var stored map[string]api.RecordView
	if err := c.postJSON(ctx, "/check-files", map[string]any{"filePaths": paths}, &stored); err != nil {
		return nil, fmt.Errorf("checking files: %w", err)
	}
	return filterChanged(hashes, stored), nil
}

// analyzeFile runs one file through analyze, thumbnail and save on the server.
func analyzeFile(ctx context.Context, c *apiClient, path, hash string) (api.SaveResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.SaveResponse{}, err
	}
	uri := dataURI(data)

	var res analysis.Result
	if err := c.postJSON(ctx, "/analyze", map[string]string{"imageData": uri}, &res); err != nil {
		return api.SaveResponse{}, fmt.Errorf("analyzing: %w", err)
	}

	if err := c.postJSON(ctx, "/create-thumbnail", map[string]string{"imageData": uri, "filename": filepath.Base(path)}, nil); err != nil {
		printWarning("thumbnail for %s: %v", filepath.Base(path), err)
	}

	// created_at is the save time; the capture time stays in metadata.
	created := time.Now().UTC()
	req := api.SaveRequest{
		Filename:  filepath.Base(path),
		Path:      path,
		FileHash:  hash,
		Metadata:  res.Metadata,
		Analysis:  res.Description,
		CreatedAt: &created,
	}
	var saved api.SaveResponse
	if err := c.postJSON(ctx, "/save", req, &saved); err != nil {
		return api.SaveResponse{}, fmt.Errorf("saving: %w", err)
	}
	return saved, nil
}

func saveOutcome(r api.SaveResponse) string {
	switch {
	case r.New:
		return string(catalog.OutcomeNew)
	case r.Updated:
		return string(catalog.OutcomeUpdated)
	case r.Duplicate:
		return string(catalog.OutcomeDuplicate)
	default:
		return "unknown"
	}
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file...>",
	Short: "Analyze image files and add them to the catalog",
	Long: `Analyze image files one by one and add them to the catalog.

Files whose content is already cataloged under the same path are skipped
unless --force is given.

Examples:
  picshelf analyze ~/Pictures/beach.jpg
  picshelf analyze --force *.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		paths, err := absPaths(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		hashes, failed, err := hashFiles(ctx, paths)
		if err != nil {
			return err
		}
		for p, ferr := range failed {
			printError("%s: %v", p, ferr)
		}

		todo := make([]string, 0, len(hashes))
		if force {
			for p := range hashes {
				todo = append(todo, p)
			}
			sort.Strings(todo)
		} else if todo, err = changedFiles(ctx, client, paths, hashes); err != nil {
			return err
		}
		if skipped := len(hashes) - len(todo); skipped > 0 {
			printStep("%d file(s) unchanged, skipping", skipped)
		}

		counts := map[string]int{}
		for i, p := range todo {
			printStep("[%d/%d] %s", i+1, len(todo), filepath.Base(p))
			saved, err := analyzeFile(ctx, client, p, hashes[p])
			if err != nil {
				counts["failed"]++
				printError("%s: %v", filepath.Base(p), err)
				continue
			}
			outcome := saveOutcome(saved)
			counts[outcome]++
			switch {
			case saved.Duplicate:
				printWarning("%s duplicates %s", filepath.Base(p), saved.ExistingPath)
			case saved.Updated:
				printSuccess("%s %s (id %d, %s)", filepath.Base(p), outcomeLabel(outcome), saved.ID, saved.Reason)
			default:
				printSuccess("%s %s (id %d)", filepath.Base(p), outcomeLabel(outcome), saved.ID)
			}
		}

		printStatus("Summary", "%d new, %d updated, %d duplicate, %d failed",
			counts["new"], counts["updated"], counts["duplicate"], counts["failed"]+len(failed))
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Queue every new or changed image under a directory for analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		recursive, _ := cmd.Flags().GetBool("recursive")
		wait, _ := cmd.Flags().GetBool("wait")

		paths, err := collectImages(args[0], recursive)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			printWarning("no images found in %s", args[0])
			return nil
		}
		printStep("found %d image(s), fingerprinting...", len(paths))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		hashes, failed, err := hashFiles(ctx, paths)
		if err != nil {
			return err
		}
		for p, ferr := range failed {
			printError("%s: %v", p, ferr)
		}
		todo, err := changedFiles(ctx, client, paths, hashes)
		if err != nil {
			return err
		}
		if len(todo) == 0 {
			printSuccess("all %d image(s) are up to date", len(hashes))
			return nil
		}

		var batch struct {
			ID     string `json:"id"`
			Queued int    `json:"queued"`
		}
		if err := client.postJSON(ctx, "/batches", map[string]any{"paths": todo}, &batch); err != nil {
			return fmt.Errorf("queueing batch: %w", err)
		}
		printSuccess("queued %d image(s) in batch %s", batch.Queued, batch.ID)
		if !wait {
			return nil
		}
		return waitForBatch(ctx, client, batch.ID, time.Second)
	},
}

func waitForBatch(ctx context.Context, c *apiClient, id string, every time.Duration) error {
	last := -1
	for {
		var st api.BatchStatus
		if err := c.getJSON(ctx, "/batches/"+id, &st); err != nil {
			return err
		}
		if finished := st.Total - st.Pending; finished != last {
			last = finished
			printStep("%d/%d processed", finished, st.Total)
		}
		if st.Done {
			printStatus("Summary", "%d new, %d updated, %d duplicate, %d skipped, %d failed",
				st.New, st.Updated, st.Duplicate, st.Skipped, st.Failed)
			if st.Failed > 0 {
				return fmt.Errorf("%d file(s) failed", st.Failed)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}

func init() {
	analyzeCmd.Flags().Bool("force", false, "analyze files even when unchanged")
	scanCmd.Flags().BoolP("recursive", "r", true, "descend into subdirectories")
	scanCmd.Flags().Bool("wait", true, "wait for the batch to finish")
}
