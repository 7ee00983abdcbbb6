package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	pullErr   error
	chats     int
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	m.chats++
	return "pong", nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	if m.pullErr != nil {
		return m.pullErr
	}
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_ModelPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llava": true},
	}
	err := EnsureReady(context.Background(), m, "llava", io.Discard)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
	if m.chats != 1 {
		t.Errorf("warm-up chats = %d, want 1", m.chats)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{},
	}
	var out bytes.Buffer
	err := EnsureReady(context.Background(), m, "llava", &out)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "llava" {
		t.Errorf("expected pull of llava, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "model llava: pulling") {
		t.Errorf("output = %q, want pull progress", out.String())
	}
}

func TestEnsureReady_PullUnsupported(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{},
		pullErr:   fmt.Errorf("model llava: %w", ErrPullUnsupported),
	}
	err := EnsureReady(context.Background(), m, "llava", io.Discard)
	if err == nil {
		t.Fatal("expected error when model cannot be pulled")
	}
	if !strings.Contains(err.Error(), "not loaded") {
		t.Errorf("error = %q, want it to mention the model is not loaded", err)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, "llava", io.Discard)
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
	if m.chats != 0 {
		t.Errorf("chats = %d, want none when engine is down", m.chats)
	}
}
