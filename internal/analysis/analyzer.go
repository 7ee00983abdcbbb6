// Package analysis turns raw image bytes into camera metadata plus a
// structured description produced by a local vision model.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/engine"
	"github.com/kalambet/picshelf/internal/exifmeta"
)

// Chatter is the part of engine.Engine the analyzer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Result is the outcome of analyzing one image.
type Result struct {
	Metadata    map[string]any   `json:"metadata"`
	Description catalog.Analysis `json:"description"`
}

type Analyzer struct {
	chat  Chatter
	model string
}

func New(chat Chatter, model string) *Analyzer {
	return &Analyzer{chat: chat, model: model}
}

// Analyze decodes a data URI (or bare base64 string) and analyzes the image.
func (a *Analyzer) Analyze(ctx context.Context, imageData string) (Result, error) {
	data, mime, err := DecodeDataURI(imageData)
	if err != nil {
		return Result{}, err
	}
	return a.analyze(ctx, data, mime)
}

// AnalyzeBytes analyzes raw image bytes, sniffing their content type.
func (a *Analyzer) AnalyzeBytes(ctx context.Context, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: image data is empty", catalog.ErrInvalidInput)
	}
	return a.analyze(ctx, data, http.DetectContentType(data))
}

func (a *Analyzer) analyze(ctx context.Context, data []byte, mime string) (Result, error) {
	metadata := exifmeta.Extract(data)
	slog.Debug("metadata extracted", "fields", len(metadata), "bytes", len(data))

	raw, err := a.chat.Chat(ctx, a.model, BuildPrompt(engine.Image{MIMEType: mime, Data: data}), describeSchema())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: vision model: %v", catalog.ErrUpstreamFailure, err)
	}

	desc, err := ParseDescription(raw)
	if err != nil {
		slog.Warn("unparseable vision model response", "error", err, "response", truncate(raw, 200))
		return Result{}, err
	}
	return Result{Metadata: metadata, Description: desc}, nil
}

// DecodeDataURI strips a data:<mime>;base64, prefix and decodes the payload.
// A bare base64 string is accepted and typed by sniffing.
func DecodeDataURI(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", fmt.Errorf("%w: no image data provided", catalog.ErrInvalidInput)
	}

	mime := ""
	if strings.HasPrefix(s, "data:") {
		header, payload, ok := strings.Cut(s, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: image data must be a base64 data URI", catalog.ErrInvalidInput)
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decoding base64 image: %v", catalog.ErrInvalidInput, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: image data is empty", catalog.ErrInvalidInput)
	}
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// ParseDescription extracts the JSON description from a model reply. Models
// sometimes wrap the object in markdown fences or surround it with prose.
func ParseDescription(raw string) (catalog.Analysis, error) {
	text := stripFences(raw)

	var a catalog.Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return catalog.Analysis{}, fmt.Errorf("%w: response is not JSON", catalog.ErrUpstreamFailure)
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
			return catalog.Analysis{}, fmt.Errorf("%w: failed to parse AI response as JSON: %v", catalog.ErrUpstreamFailure, err)
		}
	}
	if a.IsEmpty() {
		return catalog.Analysis{}, fmt.Errorf("%w: response has no description", catalog.ErrUpstreamFailure)
	}
	if a.Objects == nil {
		a.Objects = []string{}
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if bytes.Equal(bytes.TrimSpace(a.VisualElements), []byte("null")) {
		a.VisualElements = nil
	}
	return a, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
