package engines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"neuroprep/internal/affine"

	"gonum.org/v1/gonum/mat"
)

var greedyInterpolators = []string{"LINEAR", "NN", "LABEL"}

// GreedyRegistrator drives the greedy CLI. Matrices are plain-text 4x4
// files carrying greedy's customary .mat extension; like NiftyReg, a
// resample call takes one transform, so chains are folded first.
type GreedyRegistrator struct {
	bin string
}

// NewGreedyRegistrator returns an adapter over the greedy tool.
func NewGreedyRegistrator() *GreedyRegistrator {
	return &GreedyRegistrator{bin: "greedy"}
}

func (r *GreedyRegistrator) Name() string { return "greedy" }

func (r *GreedyRegistrator) Available() bool { return binaryAvailable(r.bin) }

func (r *GreedyRegistrator) DefaultInterpolator() string { return "LINEAR" }

func (r *GreedyRegistrator) MatrixExtension() string { return ".mat" }

// Register runs a rigid (6 DOF) greedy affine alignment.
func (r *GreedyRegistrator) Register(ctx context.Context, fixed, moving, transformed, matrix string) error {
	if err := checkInputs(fixed, moving); err != nil {
		return fmt.Errorf("greedy register: %w", err)
	}
	matrix = withMatrixExt(matrix, r.MatrixExtension())
	if err := ensureParent(matrix); err != nil {
		return err
	}

	args := []string{
		"-d", "3",
		"-i", fixed, moving,
		"-a", "-dof", "6",
		"-n", "40x10",
		"-m", "NMI",
		"-o", matrix,
	}
	if err := runLogged(ctx, logPathFor(transformed), r.bin, args...); err != nil {
		return fmt.Errorf("greedy register: %w", err)
	}
	return r.Transform(ctx, fixed, moving, transformed, []string{matrix}, "")
}

func (r *GreedyRegistrator) Transform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	folded, cleanup, err := r.fold(matrices, transformed, false)
	if err != nil {
		return fmt.Errorf("greedy transform: %w", err)
	}
	defer cleanup()
	if err := r.reslice(ctx, fixed, moving, transformed, folded, interpolator); err != nil {
		return fmt.Errorf("greedy transform: %w", err)
	}
	return nil
}

func (r *GreedyRegistrator) InverseTransform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	folded, cleanup, err := r.fold(matrices, transformed, true)
	if err != nil {
		return fmt.Errorf("greedy inverse transform: %w", err)
	}
	defer cleanup()
	if err := r.reslice(ctx, fixed, moving, transformed, folded, interpolator); err != nil {
		return fmt.Errorf("greedy inverse transform: %w", err)
	}
	return nil
}

func (r *GreedyRegistrator) fold(matrices []string, transformed string, invert bool) (string, func(), error) {
	nop := func() {}
	if len(matrices) == 0 {
		return "", nop, fmt.Errorf("no matrices given")
	}
	if len(matrices) == 1 && !invert {
		return withMatrixExt(matrices[0], r.MatrixExtension()), nop, nil
	}

	ordered := make([]string, len(matrices))
	copy(ordered, matrices)
	if invert {
		// Inverse callers pass latest-first; restore logical order.
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	loaded := make([]*mat.Dense, len(ordered))
	for i, p := range ordered {
		m, err := affine.ReadMatrix(withMatrixExt(p, r.MatrixExtension()))
		if err != nil {
			return "", nop, err
		}
		loaded[i] = m
	}

	var folded *mat.Dense
	var err error
	if invert {
		folded, err = affine.ComposeInverse(loaded)
	} else {
		folded, err = affine.Compose(loaded)
	}
	if err != nil {
		return "", nop, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(transformed), "composed-*.mat")
	if err != nil {
		return "", nop, err
	}
	tmp.Close()
	if err := affine.WriteMatrix(tmp.Name(), folded); err != nil {
		os.Remove(tmp.Name())
		return "", nop, err
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

func (r *GreedyRegistrator) reslice(ctx context.Context, fixed, moving, transformed, matrix, interpolator string) error {
	if err := checkInputs(fixed, moving); err != nil {
		return err
	}
	if interpolator == "" {
		interpolator = r.DefaultInterpolator()
	}
	valid := false
	for _, v := range greedyInterpolators {
		if v == interpolator {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("invalid interpolator %q (valid: LINEAR, NN, LABEL)", interpolator)
	}
	if err := ensureParent(transformed); err != nil {
		return err
	}

	args := []string{
		"-d", "3",
		"-rf", fixed,
		"-ri", interpolator,
		"-rm", moving, transformed,
		"-r", matrix,
	}
	return runLogged(ctx, logPathFor(transformed), r.bin, args...)
}
