package engine

import (
	"fmt"
	"time"

	"github.com/kalambet/picshelf/internal/ollama"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend     string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature *float64
}

// Detect returns the Engine for the configured backend. An empty backend
// selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		opts := []ollama.Option{ollama.WithTimeout(cfg.Timeout)}
		if cfg.Temperature != nil {
			opts = append(opts, ollama.WithTemperature(*cfg.Temperature))
		}
		return NewOllamaEngine(cfg.BaseURL, opts...), nil
	case BackendOpenAI:
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q (want %s or %s)", cfg.Backend, BackendOllama, BackendOpenAI)
	}
}
