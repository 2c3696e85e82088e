package engines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"neuroprep/internal/affine"

	"gonum.org/v1/gonum/mat"
)

// NiftyReg interpolation codes, as reg_resample takes them.
var niftyregInterpolators = map[string]string{
	"0": "nearestNeighbor",
	"1": "linear",
	"3": "cubicSpline",
	"4": "sinc",
}

// NiftyRegRegistrator drives reg_aladin and reg_resample. Matrices are
// plain-text 4x4 files; reg_resample takes a single matrix per call, so
// chains are folded into one transform first.
type NiftyRegRegistrator struct {
	registerBin string
	resampleBin string
}

// NewNiftyRegRegistrator returns an adapter over the NiftyReg tools.
func NewNiftyRegRegistrator() *NiftyRegRegistrator {
	return &NiftyRegRegistrator{registerBin: "reg_aladin", resampleBin: "reg_resample"}
}

func (r *NiftyRegRegistrator) Name() string { return "niftyreg" }

func (r *NiftyRegRegistrator) Available() bool {
	return binaryAvailable(r.registerBin) && binaryAvailable(r.resampleBin)
}

func (r *NiftyRegRegistrator) DefaultInterpolator() string { return "0" }

func (r *NiftyRegRegistrator) MatrixExtension() string { return ".txt" }

// Register runs a rigid reg_aladin alignment.
func (r *NiftyRegRegistrator) Register(ctx context.Context, fixed, moving, transformed, matrix string) error {
	if err := checkInputs(fixed, moving); err != nil {
		return fmt.Errorf("niftyreg register: %w", err)
	}
	if err := ensureParent(transformed); err != nil {
		return err
	}
	matrix = withMatrixExt(matrix, r.MatrixExtension())
	if err := ensureParent(matrix); err != nil {
		return err
	}

	background, err := imageMinimum(moving)
	if err != nil {
		return fmt.Errorf("niftyreg register: %w", err)
	}

	args := []string{
		"-ref", fixed,
		"-flo", moving,
		"-res", transformed,
		"-aff", matrix,
		"-rigOnly",
		"-pad", fmt.Sprintf("%g", background),
	}
	if err := runLogged(ctx, logPathFor(transformed), r.registerBin, args...); err != nil {
		return fmt.Errorf("niftyreg register: %w", err)
	}
	return nil
}

// Transform resamples through the chain, folding it into a single matrix
// when more than one is given.
func (r *NiftyRegRegistrator) Transform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	folded, cleanup, err := r.foldChain(matrices, transformed, false)
	if err != nil {
		return fmt.Errorf("niftyreg transform: %w", err)
	}
	defer cleanup()
	if err := r.resample(ctx, fixed, moving, transformed, folded, interpolator); err != nil {
		return fmt.Errorf("niftyreg transform: %w", err)
	}
	return nil
}

// InverseTransform folds the reversed chain and inverts the result before
// a single resample call.
func (r *NiftyRegRegistrator) InverseTransform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	folded, cleanup, err := r.foldChain(matrices, transformed, true)
	if err != nil {
		return fmt.Errorf("niftyreg inverse transform: %w", err)
	}
	defer cleanup()
	if err := r.resample(ctx, fixed, moving, transformed, folded, interpolator); err != nil {
		return fmt.Errorf("niftyreg inverse transform: %w", err)
	}
	return nil
}

// foldChain reduces a matrix chain to one on-disk matrix. For the inverse
// path the matrices arrive latest-first, so they are restored to logical
// order before composing and inverting.
func (r *NiftyRegRegistrator) foldChain(matrices []string, transformed string, invert bool) (string, func(), error) {
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

	tmp, err := os.CreateTemp(filepath.Dir(transformed), "composed-*.txt")
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

func (r *NiftyRegRegistrator) resample(ctx context.Context, fixed, moving, transformed, matrix, interpolator string) error {
	if err := checkInputs(fixed, moving); err != nil {
		return err
	}
	if interpolator == "" {
		interpolator = r.DefaultInterpolator()
	}
	if _, ok := niftyregInterpolators[interpolator]; !ok {
		return fmt.Errorf("invalid interpolator %q (valid: 0, 1, 3, 4)", interpolator)
	}
	if err := ensureParent(transformed); err != nil {
		return err
	}

	background, err := imageMinimum(moving)
	if err != nil {
		return err
	}

	args := []string{
		"-ref", fixed,
		"-flo", moving,
		"-res", transformed,
		"-trans", matrix,
		"-inter", interpolator,
		"-pad", fmt.Sprintf("%g", background),
	}
	return runLogged(ctx, logPathFor(transformed), r.resampleBin, args...)
}
