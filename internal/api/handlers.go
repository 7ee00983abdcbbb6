package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/picshelf/internal/analysis"
	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/events"
	"github.com/kalambet/picshelf/internal/ingest"
	"github.com/kalambet/picshelf/internal/pipeline"
	"github.com/kalambet/picshelf/internal/storage"
	"github.com/kalambet/picshelf/internal/thumbnail"
)

const (
	maxRequestBodySize = 10 << 20 // 10MB
	maxImageBodySize   = 50 << 20 // 50MB, base64 images
)

const dateLayout = "2006-01-02"

// ImageAnalyzer describes an image given as a data URI.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, imageData string) (analysis.Result, error)
}

// JobQueue is the batch side of the job store.
type JobQueue interface {
	EnqueueJobs(jobs []storage.Job) error
	BatchSummary(batchID string) (storage.BatchSummary, error)
}

type Deps struct {
	Catalog    *catalog.Catalog
	Analyzer   ImageAnalyzer
	Thumbnails *thumbnail.Generator
	Jobs       JobQueue
	Hub        *events.Hub // optional; /ws is not mounted without it
	Token      string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/save", handleSave(deps))
		r.Post("/check-file", handleCheckFile(deps))
		r.Post("/check-files", handleCheckFiles(deps))

		r.Get("/images", handleListImages(deps))
		r.Get("/images/{id}", handleGetImage(deps))
		r.Delete("/images/{id}", handleDeleteImage(deps))
		r.Put("/images/{id}/analysis", handleUpdateAnalysis(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/stats", handleStats(deps))

		r.Post("/create-thumbnail", handleCreateThumbnail(deps))
		r.Get("/thumbnail/{filename}", handleGetThumbnail(deps))

		r.Post("/batches", handleCreateBatch(deps))
		r.Get("/batches/{id}", handleGetBatch(deps))

		if deps.Hub != nil {
			r.Get("/ws", events.HandleWebSocket(deps.Hub))
		}
	})

	return r
}

// RecordView is a catalog record plus its derived thumbnail path.
type RecordView struct {
	catalog.Record
	Thumbnail string `json:"thumbnail"`
}

func viewOf(rec catalog.Record) RecordView {
	return RecordView{Record: rec, Thumbnail: thumbnail.Rel(rec.Filename)}
}

func viewsOf(recs []catalog.Record) []RecordView {
	out := make([]RecordView, len(recs))
	for i, rec := range recs {
		out[i] = viewOf(rec)
	}
	return out
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type analyzeRequest struct {
	ImageData string `json:"imageData"`
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if !decodeBody(w, r, maxImageBodySize, &req) {
			return
		}
		res, err := deps.Analyzer.Analyze(r.Context(), req.ImageData)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SaveRequest is the body of POST /save.
type SaveRequest struct {
	Filename  string           `json:"filename"`
	Path      string           `json:"path"`
	FileHash  string           `json:"file_hash"`
	Metadata  map[string]any   `json:"metadata"`
	Analysis  catalog.Analysis `json:"analysis"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
}

// SaveResponse carries exactly one of New, Updated or Duplicate.
type SaveResponse struct {
	New          bool   `json:"new,omitempty"`
	Updated      bool   `json:"updated,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	ID           int64  `json:"id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ExistingPath string `json:"existingPath,omitempty"`
}

func handleSave(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		save := catalog.SaveRequest{
			Filename: req.Filename,
			Path:     req.Path,
			FileHash: req.FileHash,
			Metadata: req.Metadata,
			Analysis: req.Analysis,
		}
		if req.CreatedAt != nil {
			save.CreatedAt = *req.CreatedAt
		}

		res, err := deps.Catalog.Reconcile(save)
		if err != nil {
			writeError(w, err)
			return
		}

		var resp SaveResponse
		switch res.Outcome {
		case catalog.OutcomeNew:
			resp = SaveResponse{New: true, ID: res.ID}
		case catalog.OutcomeUpdated:
			resp = SaveResponse{Updated: true, ID: res.ID, Reason: string(res.Reason)}
		case catalog.OutcomeDuplicate:
			resp = SaveResponse{Duplicate: true, ExistingPath: res.ExistingPath}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type checkFileRequest struct {
	FilePath string `json:"filePath"`
}

// CheckFileResponse reports whether a file on disk is cataloged and current.
type CheckFileResponse struct {
	Exists      bool        `json:"exists"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	CurrentHash string      `json:"current_hash,omitempty"`
	Image       *RecordView `json:"image,omitempty"`
}

func handleCheckFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkFileRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		ex, err := deps.Catalog.CheckExistence(req.FilePath)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, checkResponse(ex))
	}
}

func checkResponse(ex catalog.Existence) CheckFileResponse {
	resp := CheckFileResponse{
		Exists:      ex.Status == catalog.StatusUpToDate,
		Status:      string(ex.Status),
		Reason:      ex.Status.Reason(),
		CurrentHash: ex.CurrentHash,
	}
	if ex.Record != nil {
		v := viewOf(*ex.Record)
		resp.Image = &v
	}
	return resp
}

type checkFilesRequest struct {
	FilePaths []string `json:"filePaths"`
}

func handleCheckFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkFilesRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		found, err := deps.Catalog.CheckExistenceBulk(req.FilePaths)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make(map[string]RecordView, len(found))
		for p, rec := range found {
			out[p] = viewOf(rec)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListImages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		recs, err := deps.Catalog.List(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewsOf(recs))
	}
}

func imageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := imageID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Catalog.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

func handleDeleteImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := imageID(w, r)
		if !ok {
			return
		}
		removed, err := deps.Catalog.Delete(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if !removed {
			httpError(w, http.StatusNotFound, "not_found", "image %d not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
	}
}

func handleUpdateAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := imageID(w, r)
		if !ok {
			return
		}
		var a catalog.Analysis
		if !decodeBody(w, r, maxRequestBodySize, &a) {
			return
		}
		rec, err := deps.Catalog.UpdateTags(id, a)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

// SearchRequest is the body of POST /search. Dates are YYYY-MM-DD in UTC.
type SearchRequest struct {
	Query     string   `json:"query"`
	Tags      []string `json:"tags"`
	TagMode   string   `json:"tagMode"`
	SceneType string   `json:"sceneType"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	Limit     int      `json:"limit"`
}

func (req SearchRequest) filter() (catalog.Filter, error) {
	f := catalog.Filter{
		Text:      req.Query,
		Tags:      req.Tags,
		TagMode:   catalog.TagModeAnd,
		SceneType: req.SceneType,
		Limit:     req.Limit,
	}
	switch strings.ToLower(req.TagMode) {
	case "", "and":
	case "or":
		f.TagMode = catalog.TagModeOr
	default:
		return f, fmt.Errorf("%w: tagMode must be \"and\" or \"or\"", catalog.ErrInvalidInput)
	}
	var err error
	if req.StartDate != "" {
		if f.Start, err = time.Parse(dateLayout, req.StartDate); err != nil {
			return f, fmt.Errorf("%w: startDate: %v", catalog.ErrInvalidInput, err)
		}
	}
	if req.EndDate != "" {
		if f.End, err = time.Parse(dateLayout, req.EndDate); err != nil {
			return f, fmt.Errorf("%w: endDate: %v", catalog.ErrInvalidInput, err)
		}
	}
	return f, nil
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		f, err := req.filter()
		if err != nil {
			writeError(w, err)
			return
		}
		recs, err := deps.Catalog.Search(f)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewsOf(recs))
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Catalog.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type createThumbnailRequest struct {
	ImageData string `json:"imageData"`
	Filename  string `json:"filename"`
}

func handleCreateThumbnail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createThumbnailRequest
		if !decodeBody(w, r, maxImageBodySize, &req) {
			return
		}
		data, _, err := analysis.DecodeDataURI(req.ImageData)
		if err != nil {
			writeError(w, err)
			return
		}
		rel, err := deps.Thumbnails.Create(data, req.Filename)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Thumbnail created successfully",
			"path":    rel,
		})
	}
}

func handleGetThumbnail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := deps.Thumbnails.Lookup(chi.URLParam(r, "filename"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "thumbnail not found")
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, p)
	}
}

type createBatchRequest struct {
	Paths []string `json:"paths"`
}

func handleCreateBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		id, n, err := ingest.EnqueueBatch(deps.Jobs, req.Paths)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": n})
	}
}

// BatchStatus is the progress of one batch as reported to clients.
type BatchStatus struct {
	ID        string `json:"id"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	New       int    `json:"new"`
	Updated   int    `json:"updated"`
	Duplicate int    `json:"duplicate"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
}

func batchStatus(sum storage.BatchSummary) BatchStatus {
	return BatchStatus{
		ID:        sum.ID,
		Total:     sum.Total,
		Pending:   sum.Pending,
		New:       sum.Results[string(catalog.OutcomeNew)],
		Updated:   sum.Results[string(catalog.OutcomeUpdated)],
		Duplicate: sum.Results[string(catalog.OutcomeDuplicate)],
		Skipped:   sum.Results[pipeline.OutcomeSkipped],
		Failed:    sum.Failed,
		Done:      sum.Done(),
	}
}

func handleGetBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Jobs.BatchSummary(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "batch %q not found", chi.URLParam(r, "id"))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batchStatus(sum))
	}
}
