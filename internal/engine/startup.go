package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrBackendDown means a local model host did not answer.
var ErrBackendDown = errors.New("local model backend is not running")

// ModelManager is a local backend that installs its own models.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// EnsureReady pulls whichever of models the backend lacks, reporting progress
// to w. Blank and repeated names are ignored.
func EnsureReady(ctx context.Context, m ModelManager, models []string, w io.Writer) error {
	if !m.IsRunning(ctx) {
		return ErrBackendDown
	}

	seen := map[string]struct{}{"": {}}
	for _, model := range models {
		if _, dup := seen[model]; dup {
			continue
		}
		seen[model] = struct{}{}

		if !m.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			if err := m.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

func progressPrinter(w io.Writer) func(PullProgress) {
	return func(p PullProgress) {
		if p.Total <= 0 {
			fmt.Fprintf(w, "  %s\n", p.Status)
			return
		}
		fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, 100*float64(p.Completed)/float64(p.Total))
	}
}
