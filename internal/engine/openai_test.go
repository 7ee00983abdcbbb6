package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIEngine_ChatWithImage(t *testing.T) {
	var captured map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"content": `{"summary":"ok"}`}}},
		})
	}))
	defer srv.Close()

	temp := 0.7
	e := NewOpenAIEngine(srv.URL+"/v1/", "secret", 5*time.Second, &temp)
	got, err := e.Chat(context.Background(), "local-model", []Message{
		{Role: "user", Content: "describe", Images: []Image{{MIMEType: "image/png", Data: []byte("hello")}}},
	}, &Schema{Type: "object"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != `{"summary":"ok"}` {
		t.Errorf("Chat = %q, want %q", got, `{"summary":"ok"}`)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer secret")
	}
	if captured["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", captured["temperature"])
	}

	msgs := captured["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("content parts = %d, want 2", len(parts))
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	if img["url"] != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("image url = %v", img["url"])
	}
	format := captured["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Errorf("response_format.type = %v, want json_schema", format["type"])
	}
}

func TestOpenAIEngine_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model not loaded","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine(srv.URL, "", time.Second, nil)
	_, err := e.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("err = %v, want upstream message", err)
	}
}

func TestOpenAIEngine_ChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine(srv.URL, "", time.Second, nil)
	if _, err := e.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIEngine_Models(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":[{"id":"qwen2-vl"},{"id":"llava-1.6"}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine(srv.URL, "", time.Second, nil)
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(context.Background(), "llava-1.6") {
		t.Error("HasModel(llava-1.6) = false, want true")
	}
	if e.HasModel(context.Background(), "llava") {
		t.Error("HasModel(llava) = true, want false")
	}
	if err := e.PullModel(context.Background(), "llava", nil); !errors.Is(err, ErrPullUnsupported) {
		t.Errorf("PullModel err = %v, want ErrPullUnsupported", err)
	}
}
