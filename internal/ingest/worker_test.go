package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/events"
	"github.com/kalambet/picshelf/internal/pipeline"
	"github.com/kalambet/picshelf/internal/storage"
)

type mockProcessor struct {
	mu        sync.Mutex
	processFn func(path string) (pipeline.Result, error)
	seen      []string
}

func (m *mockProcessor) Process(_ context.Context, path string) (pipeline.Result, error) {
	m.mu.Lock()
	m.seen = append(m.seen, path)
	m.mu.Unlock()
	return m.processFn(path)
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (b *recordingBus) Broadcast(msg events.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Type
	}
	return out
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestBatch(t *testing.T, store *storage.Store, paths ...string) string {
	t.Helper()
	id, n, err := EnqueueBatch(store, paths)
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if n != len(paths) {
		t.Fatalf("queued %d jobs, want %d", n, len(paths))
	}
	return id
}

// resetRunAfter makes every pending job immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE status = 'pending'`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, batchID string) (status string, attempts int) {
	t.Helper()
	err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE batch_id = ?`, batchID).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("querying job: %v", err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	batch := enqueueTestBatch(t, store, "/photos/a.jpg")

	proc := &mockProcessor{processFn: func(path string) (pipeline.Result, error) {
		return pipeline.Result{Path: path, Outcome: "new", ID: 42}, nil
	}}
	bus := &recordingBus{}
	w := NewWorker(store, proc, bus, 0, 1)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(proc.seen) != 1 || proc.seen[0] != "/photos/a.jpg" {
		t.Errorf("processed %v, want [/photos/a.jpg]", proc.seen)
	}
	sum, err := store.BatchSummary(batch)
	if err != nil {
		t.Fatalf("BatchSummary: %v", err)
	}
	if sum.Completed != 1 || sum.Results["new"] != 1 {
		t.Errorf("summary = %+v, want one completed new", sum)
	}

	got := bus.types()
	if len(got) != 2 || got[0] != events.TypeFileProcessed || got[1] != events.TypeBatchDone {
		t.Errorf("events = %v, want [file_processed batch_done]", got)
	}
	if bus.msgs[0].ID != 42 || bus.msgs[0].BatchID != batch {
		t.Errorf("file_processed = %+v", bus.msgs[0])
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockProcessor{}, nil, 0, 1)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true on an empty queue")
	}
}

func TestWorker_RetryOnTransientFailure(t *testing.T) {
	store := openTestStore(t)
	batch := enqueueTestBatch(t, store, "/photos/a.jpg")

	calls := 0
	proc := &mockProcessor{processFn: func(path string) (pipeline.Result, error) {
		calls++
		if calls <= 2 {
			return pipeline.Result{}, fmt.Errorf("database is locked (attempt %d)", calls)
		}
		return pipeline.Result{Path: path, Outcome: "updated"}, nil
	}}
	bus := &recordingBus{}
	w := NewWorker(store, proc, bus, 0, 1)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		status, attempts := jobStatus(t, store, batch)
		if status != "pending" || attempts != i {
			t.Errorf("after fail %d: status=%q attempts=%d, want pending/%d", i, status, attempts, i)
		}
		if got := bus.types(); len(got) != 0 {
			t.Errorf("after fail %d: events = %v, want none while retrying", i, got)
		}
		resetRunAfter(t, store)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobStatus(t, store, batch); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
	got := bus.types()
	if len(got) != 2 || got[0] != events.TypeFileProcessed || got[1] != events.TypeBatchDone {
		t.Errorf("events = %v, want [file_processed batch_done]", got)
	}
}

func TestWorker_PermanentFailureNotRetried(t *testing.T) {
	for _, cause := range []error{catalog.ErrUpstreamFailure, catalog.ErrInvalidInput} {
		t.Run(cause.Error(), func(t *testing.T) {
			store := openTestStore(t)
			batch := enqueueTestBatch(t, store, "/photos/a.jpg")

			proc := &mockProcessor{processFn: func(string) (pipeline.Result, error) {
				return pipeline.Result{}, fmt.Errorf("analyzing: %w", cause)
			}}
			bus := &recordingBus{}
			w := NewWorker(store, proc, bus, 0, 1)

			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce error: %v", err)
			}
			if status, _ := jobStatus(t, store, batch); status != "failed" {
				t.Errorf("status = %q, want failed", status)
			}
			got := bus.types()
			if len(got) != 2 || got[0] != events.TypeFileFailed || got[1] != events.TypeBatchDone {
				t.Errorf("events = %v, want [file_failed batch_done]", got)
			}
		})
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	batch := enqueueTestBatch(t, store, "/photos/a.jpg")

	proc := &mockProcessor{processFn: func(string) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("disk I/O error")
	}}
	bus := &recordingBus{}
	w := NewWorker(store, proc, bus, 0, 1)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		resetRunAfter(t, store)
	}

	status, attempts := jobStatus(t, store, batch)
	if status != "failed" || attempts != 3 {
		t.Errorf("status=%q attempts=%d, want failed/3", status, attempts)
	}
	got := bus.types()
	if len(got) != 2 || got[0] != events.TypeFileFailed || got[1] != events.TypeBatchDone {
		t.Errorf("events = %v, want one file_failed after the last attempt, then batch_done", got)
	}
}

func TestWorker_RunDrainsQueueConcurrently(t *testing.T) {
	store := openTestStore(t)
	paths := []string{"/p/1.jpg", "/p/2.jpg", "/p/3.jpg", "/p/4.jpg", "/p/5.jpg"}
	batch := enqueueTestBatch(t, store, paths...)

	proc := &mockProcessor{processFn: func(path string) (pipeline.Result, error) {
		return pipeline.Result{Path: path, Outcome: "new"}, nil
	}}
	w := NewWorker(store, proc, nil, 10*time.Millisecond, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		sum, err := store.BatchSummary(batch)
		if err != nil {
			t.Fatalf("BatchSummary: %v", err)
		}
		if sum.Done() {
			if sum.Completed != len(paths) {
				t.Errorf("completed = %d, want %d", sum.Completed, len(paths))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch not done: %+v", sum)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(proc.seen) != len(paths) {
		t.Errorf("processed %d files, want %d", len(proc.seen), len(paths))
	}
}

func TestEnqueueBatch(t *testing.T) {
	store := openTestStore(t)

	id, n, err := EnqueueBatch(store, []string{"/p/a.jpg", "/p/a.jpg", " ", "/p/b.jpg"})
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("queued = %d, want 2 after dedupe", n)
	}
	sum, err := store.BatchSummary(id)
	if err != nil {
		t.Fatalf("BatchSummary: %v", err)
	}
	if sum.Total != 2 || sum.Pending != 2 {
		t.Errorf("summary = %+v, want 2 pending", sum)
	}

	if _, _, err := EnqueueBatch(store, []string{"relative.jpg"}); !errors.Is(err, catalog.ErrInvalidInput) {
		t.Errorf("relative path err = %v, want ErrInvalidInput", err)
	}
	if _, _, err := EnqueueBatch(store, nil); !errors.Is(err, catalog.ErrInvalidInput) {
		t.Errorf("empty batch err = %v, want ErrInvalidInput", err)
	}
}
