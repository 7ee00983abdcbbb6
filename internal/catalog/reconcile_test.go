package catalog

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/picshelf/internal/storage"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCatalog(t *testing.T, opts ...Option) (*Catalog, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(store, append(base, opts...)...), store
}

func saveReq(path, hash string, metadata map[string]any) SaveRequest {
	return SaveRequest{
		Filename:  filepath.Base(path),
		Path:      path,
		FileHash:  hash,
		Metadata:  metadata,
		Analysis:  Analysis{Summary: "a cat on a sofa", Tags: []string{"cat"}, Objects: []string{"sofa"}, SceneType: "indoor"},
		CreatedAt: testNow,
	}
}

func countImages(t *testing.T, s *storage.Store) int {
	t.Helper()
	n, err := s.CountImages()
	if err != nil {
		t.Fatalf("CountImages: %v", err)
	}
	return n
}

// untouchableStore panics on any call, proving a code path never reaches storage.
type untouchableStore struct {
	Store
}

// racingStore hides existing rows from lookups so the insert step loses a
// simulated race against a concurrent writer.
type racingStore struct {
	*storage.Store
}

func (r racingStore) GetImageByPath(string) (storage.Image, error) {
	return storage.Image{}, storage.ErrNotFound
}

func TestReconcile_ExampleScenario(t *testing.T) {
	c, store := newTestCatalog(t)
	meta := map[string]any{"Make": "Canon"}

	res, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", meta))
	if err != nil {
		t.Fatalf("Reconcile a.jpg H1: %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeNew)
	}
	id := res.ID

	res, err = c.Reconcile(saveReq("/photos/a.jpg", "H2", meta))
	if err != nil {
		t.Fatalf("Reconcile a.jpg H2: %v", err)
	}
	if res.Outcome != OutcomeUpdated || res.Reason != ReasonContentChanged {
		t.Errorf("Outcome/Reason = %q/%q, want updated/content_changed", res.Outcome, res.Reason)
	}
	if res.ID != id {
		t.Errorf("ID = %d, want %d", res.ID, id)
	}
	stored, err := store.GetImage(id)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if stored.FileHash != "H2" {
		t.Errorf("stored hash = %q, want H2", stored.FileHash)
	}

	res, err = c.Reconcile(saveReq("/photos/b.jpg", "H2", meta))
	if err != nil {
		t.Fatalf("Reconcile b.jpg H2: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeDuplicate)
	}
	if res.ExistingPath != "/photos/a.jpg" {
		t.Errorf("ExistingPath = %q, want %q", res.ExistingPath, "/photos/a.jpg")
	}
	if n := countImages(t, store); n != 1 {
		t.Errorf("image count = %d, want 1", n)
	}
}

func TestReconcile_SameFileTwiceIsDuplicate(t *testing.T) {
	c, store := newTestCatalog(t)
	req := saveReq("/photos/a.jpg", "H1", map[string]any{"ISO": 100})

	first, err := c.Reconcile(req)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	second, err := c.Reconcile(req)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if first.Outcome != OutcomeNew {
		t.Errorf("first Outcome = %q, want new", first.Outcome)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("second Outcome = %q, want duplicate", second.Outcome)
	}
	if second.ExistingPath != "/photos/a.jpg" {
		t.Errorf("ExistingPath = %q, want %q", second.ExistingPath, "/photos/a.jpg")
	}
	if n := countImages(t, store); n != 1 {
		t.Errorf("image count = %d, want 1", n)
	}
}

func TestReconcile_PathReuseReplacesHash(t *testing.T) {
	c, store := newTestCatalog(t)

	if _, err := c.Reconcile(saveReq("/photos/a.jpg", "old", nil)); err != nil {
		t.Fatalf("Reconcile old: %v", err)
	}

	later := testNow.Add(72 * time.Hour)
	req := saveReq("/photos/a.jpg", "new", nil)
	req.CreatedAt = later
	res, err := c.Reconcile(req)
	if err != nil {
		t.Fatalf("Reconcile new: %v", err)
	}
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("Outcome = %q, want updated", res.Outcome)
	}

	if _, err := store.GetImageByHash("old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old hash lookup err = %v, want ErrNotFound", err)
	}
	img, err := store.GetImageByHash("new")
	if err != nil {
		t.Fatalf("GetImageByHash(new): %v", err)
	}
	if !img.CreatedAt.Equal(later) {
		t.Errorf("CreatedAt = %v, want overwritten to %v", img.CreatedAt, later)
	}
	if !img.FirstSeenAt.Equal(testNow) {
		t.Errorf("FirstSeenAt = %v, want %v", img.FirstSeenAt, testNow)
	}
}

func TestReconcile_MetadataBackfill(t *testing.T) {
	c, store := newTestCatalog(t)

	first, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", nil))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	// Same content submitted from another path still backfills the original row.
	req := saveReq("/photos/copy.jpg", "H1", map[string]any{"Model": "EOS R5"})
	req.CreatedAt = testNow.Add(time.Hour)
	res, err := c.Reconcile(req)
	if err != nil {
		t.Fatalf("backfill Reconcile: %v", err)
	}
	if res.Outcome != OutcomeUpdated || res.Reason != ReasonBackfill {
		t.Fatalf("Outcome/Reason = %q/%q, want updated/metadata_backfill", res.Outcome, res.Reason)
	}
	if res.ID != first.ID {
		t.Errorf("ID = %d, want %d", res.ID, first.ID)
	}

	img, err := store.GetImage(first.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Metadata != `{"Model":"EOS R5"}` {
		t.Errorf("Metadata = %q", img.Metadata)
	}
	if img.Path != "/photos/a.jpg" {
		t.Errorf("Path = %q, want unchanged", img.Path)
	}
	if !img.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want unchanged %v", img.CreatedAt, testNow)
	}
	if !img.UpdatedAt.Equal(testNow) {
		t.Errorf("UpdatedAt = %v, want %v", img.UpdatedAt, testNow)
	}
	if n := countImages(t, store); n != 1 {
		t.Errorf("image count = %d, want 1", n)
	}
}

func TestReconcile_NoBackfillWhenMetadataPresent(t *testing.T) {
	c, store := newTestCatalog(t)

	if _, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", map[string]any{"Make": "Canon"})); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	res, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", map[string]any{"Make": "Nikon"}))
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %q, want duplicate", res.Outcome)
	}

	img, err := store.GetImageByPath("/photos/a.jpg")
	if err != nil {
		t.Fatalf("GetImageByPath: %v", err)
	}
	if img.Metadata != `{"Make":"Canon"}` {
		t.Errorf("Metadata = %q, want untouched", img.Metadata)
	}
}

func TestReconcile_EmptyIncomingMetadataIsDuplicate(t *testing.T) {
	c, _ := newTestCatalog(t)

	if _, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", nil)); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	res, err := c.Reconcile(saveReq("/photos/a.jpg", "H1", map[string]any{}))
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %q, want duplicate", res.Outcome)
	}
}

func TestReconcile_MissingHash(t *testing.T) {
	c := New(untouchableStore{})

	for _, hash := range []string{"", "   "} {
		_, err := c.Reconcile(saveReq("/photos/a.jpg", hash, map[string]any{"Make": "Canon"}))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("hash %q: err = %v, want ErrInvalidInput", hash, err)
		}
	}
}

func TestReconcile_ConcurrentInsertConflict(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.InsertImage(storage.Image{Filename: "a.jpg", Path: "/photos/a.jpg", FileHash: "H1", CreatedAt: testNow}); err != nil {
		t.Fatalf("InsertImage: %v", err)
	}

	c := New(racingStore{store})
	_, err := c.Reconcile(saveReq("/photos/a.jpg", "H2", nil))
	if !errors.Is(err, ErrStorageConflict) {
		t.Fatalf("err = %v, want ErrStorageConflict", err)
	}

	img, err := store.GetImageByPath("/photos/a.jpg")
	if err != nil {
		t.Fatalf("GetImageByPath: %v", err)
	}
	if img.FileHash != "H1" {
		t.Errorf("FileHash = %q, want original row untouched", img.FileHash)
	}
}

func TestReconcile_DefaultsCreatedAtToClock(t *testing.T) {
	c, store := newTestCatalog(t)

	req := saveReq("/photos/a.jpg", "H1", nil)
	req.CreatedAt = time.Time{}
	res, err := c.Reconcile(req)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	img, err := store.GetImage(res.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if !img.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", img.CreatedAt, testNow)
	}
}

func TestReconcile_OneOutcomePerCall(t *testing.T) {
	c, store := newTestCatalog(t)

	steps := []struct {
		path, hash string
		meta       map[string]any
		want       Outcome
		wantDelta  int
	}{
		{"/p/one.jpg", "A", nil, OutcomeNew, 1},
		{"/p/two.jpg", "B", map[string]any{"k": 1}, OutcomeNew, 1},
		{"/p/one.jpg", "A", map[string]any{"k": 2}, OutcomeUpdated, 0},
		{"/p/one.jpg", "C", nil, OutcomeUpdated, 0},
		{"/p/three.jpg", "B", nil, OutcomeDuplicate, 0},
	}
	for _, s := range steps {
		before := countImages(t, store)
		res, err := c.Reconcile(saveReq(s.path, s.hash, s.meta))
		if err != nil {
			t.Fatalf("Reconcile(%s, %s): %v", s.path, s.hash, err)
		}
		if res.Outcome != s.want {
			t.Errorf("Reconcile(%s, %s) = %q, want %q", s.path, s.hash, res.Outcome, s.want)
		}
		if delta := countImages(t, store) - before; delta != s.wantDelta {
			t.Errorf("Reconcile(%s, %s) changed count by %d, want %d", s.path, s.hash, delta, s.wantDelta)
		}
	}
}

// barrierStore holds callers inside GetImageByPath until two hash lookups
// have happened or the wait times out. Unserialized reconciles would both
// miss the hash and both insert.
type barrierStore struct {
	*storage.Store
	hashLookups atomic.Int32
}

func (b *barrierStore) GetImageByHash(hash string) (storage.Image, error) {
	b.hashLookups.Add(1)
	return b.Store.GetImageByHash(hash)
}

func (b *barrierStore) GetImageByPath(path string) (storage.Image, error) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for b.hashLookups.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return b.Store.GetImageByPath(path)
}

func TestReconcile_ConcurrentSameContent(t *testing.T) {
	store := openTestStore(t)
	c := New(&barrierStore{Store: store},
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	paths := []string{"/p/a.jpg", "/p/copy-of-a.jpg"}
	outcomes := make([]string, len(paths))
	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Reconcile(saveReq(p, "SAMEHASH", nil))
			outcomes[i], errs[i] = string(res.Outcome), err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reconcile(%s): %v", paths[i], err)
		}
	}
	sort.Strings(outcomes)
	if got := strings.Join(outcomes, ","); got != "duplicate,new" {
		t.Errorf("outcomes = %s, want duplicate,new", got)
	}
	if n := countImages(t, store); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestDecode_LogsThroughCatalogLogger(t *testing.T) {
	var buf bytes.Buffer
	store := openTestStore(t)
	c := New(store, WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	addMalformed(t, store, "/p/broken.jpg", testNow)

	if _, err := c.List(0); err != nil {
		t.Fatalf("List: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "skipping unreadable metadata") || !strings.Contains(out, "skipping unreadable analysis") {
		t.Errorf("log output = %q, want both skip messages", out)
	}
}
