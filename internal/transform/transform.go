// Package transform replays the transform chains persisted by a
// preprocessing run: mapping images between a modality's native space and
// atlas space without re-running registration. A common use is pulling a
// segmentation computed in atlas space back onto the original scan grid.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"neuroprep/internal/engines"
)

// Transform applies precomputed per-modality transform chains.
type Transform struct {
	dir         string
	registrator engines.Registrator
	log         *slog.Logger
}

// New returns a Transform over a transformations directory written by a
// preprocessing run (one subdirectory per modality). A nil registrator
// falls back to ANTs with a logged warning.
func New(transformationsDir string, registrator engines.Registrator, logger *slog.Logger) (*Transform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(transformationsDir)
	if err != nil {
		return nil, fmt.Errorf("transformations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("transformations directory: %s is not a directory", transformationsDir)
	}
	if registrator == nil {
		logger.Warn("no registrator provided, using default ANTs registrator")
		registrator = engines.NewANTsRegistrator()
	}
	return &Transform{dir: transformationsDir, registrator: registrator, log: logger}, nil
}

// Apply resamples moving onto target's grid through the chain recorded for
// modalityName. With inverse set, the chain is reversed and each matrix
// inverted, mapping atlas-space data back toward native space. An empty
// interpolator keeps the backend default.
func (t *Transform) Apply(ctx context.Context, modalityName, target, moving, output, interpolator string, inverse bool) error {
	matrices, err := t.chain(modalityName)
	if err != nil {
		return err
	}

	direction := "forward"
	if inverse {
		direction = "inverse"
	}
	t.log.Info("applying transformation",
		"modality", modalityName,
		"direction", direction,
		"registrator", t.registrator.Name(),
		"matrices", len(matrices),
	)

	if inverse {
		for i, j := 0, len(matrices)-1; i < j; i, j = i+1, j-1 {
			matrices[i], matrices[j] = matrices[j], matrices[i]
		}
		if err := t.registrator.InverseTransform(ctx, target, moving, output, matrices, interpolator); err != nil {
			return fmt.Errorf("inverse transform %s: %w", modalityName, err)
		}
		return nil
	}
	if err := t.registrator.Transform(ctx, target, moving, output, matrices, interpolator); err != nil {
		return fmt.Errorf("transform %s: %w", modalityName, err)
	}
	return nil
}

// chain lists the modality's matrix files in stage order. File names carry
// a stage-index prefix, so a lexical sort recovers the order they were
// applied in.
func (t *Transform) chain(modalityName string) ([]string, error) {
	modalityDir := filepath.Join(t.dir, modalityName)
	entries, err := os.ReadDir(modalityDir)
	if err != nil {
		return nil, fmt.Errorf("transformations for %s: %w", modalityName, err)
	}

	var matrices []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matrices = append(matrices, filepath.Join(modalityDir, e.Name()))
	}
	if len(matrices) == 0 {
		return nil, fmt.Errorf("transformations for %s: no matrices in %s", modalityName, modalityDir)
	}
	sort.Strings(matrices)
	return matrices, nil
}
