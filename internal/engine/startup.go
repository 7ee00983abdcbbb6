package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the Engine is reachable and the vision model is
// available. A missing model is pulled with progress output written to w,
// then warmed up so the first analysis does not pay the cold-load penalty.
func EnsureReady(ctx context.Context, e Engine, visionModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure the backend is started")
	}
	if visionModel == "" {
		return nil
	}

	if e.HasModel(ctx, visionModel) {
		fmt.Fprintf(w, "model %s: ready\n", visionModel)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", visionModel)
		err := e.PullModel(ctx, visionModel, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if errors.Is(err, ErrPullUnsupported) {
			return fmt.Errorf("model %s is not loaded in the inference server", visionModel)
		}
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", visionModel, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", visionModel)
	}

	fmt.Fprintf(w, "model %s: warming up...\n", visionModel)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := e.Chat(warmCtx, visionModel, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", visionModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", visionModel)
	}
	return nil
}
