package engines

import (
	"context"
	"fmt"
	"os"
	"strings"

	"neuroprep/internal/nifti"
)

// ANTs interpolators accepted by antsApplyTransforms.
var antsInterpolators = []string{
	"linear",
	"nearestNeighbor",
	"multiLabel", // deprecated, prefer genericLabel
	"gaussian",
	"bSpline",
	"cosineWindowedSinc",
	"welchWindowedSinc",
	"hammingWindowedSinc",
	"lanczosWindowedSinc",
	"genericLabel",
}

// ANTsRegistrator drives the ANTs command line tools. Rigid registration
// by default; transforms travel as ITK .mat files.
type ANTsRegistrator struct {
	// TransformType is the antsRegistration transform model, "Rigid"
	// unless overridden.
	TransformType string

	registerBin string
	applyBin    string
}

// NewANTsRegistrator returns an adapter over antsRegistration and
// antsApplyTransforms.
func NewANTsRegistrator() *ANTsRegistrator {
	return &ANTsRegistrator{
		TransformType: "Rigid",
		registerBin:   "antsRegistration",
		applyBin:      "antsApplyTransforms",
	}
}

func (r *ANTsRegistrator) Name() string { return "ants" }

func (r *ANTsRegistrator) Available() bool {
	return binaryAvailable(r.registerBin) && binaryAvailable(r.applyBin)
}

func (r *ANTsRegistrator) DefaultInterpolator() string { return "nearestNeighbor" }

func (r *ANTsRegistrator) MatrixExtension() string { return ".mat" }

// Register computes a rigid transform and resamples moving onto fixed.
func (r *ANTsRegistrator) Register(ctx context.Context, fixed, moving, transformed, matrix string) error {
	if err := checkInputs(fixed, moving); err != nil {
		return fmt.Errorf("ants register: %w", err)
	}
	if err := ensureParent(transformed); err != nil {
		return err
	}
	matrix = withMatrixExt(matrix, r.MatrixExtension())
	if err := ensureParent(matrix); err != nil {
		return err
	}

	prefix := stripImageExt(transformed) + "_"
	args := antsRegisterArgs(fixed, moving, prefix, r.TransformType)
	if err := runLogged(ctx, logPathFor(transformed), r.registerBin, args...); err != nil {
		return fmt.Errorf("ants register: %w", err)
	}

	// antsRegistration writes <prefix>0GenericAffine.mat.
	if err := os.Rename(prefix+"0GenericAffine.mat", matrix); err != nil {
		return fmt.Errorf("ants register: collect matrix: %w", err)
	}
	return r.Transform(ctx, fixed, moving, transformed, []string{matrix}, "")
}

// Transform resamples moving through the chain in one call. ANTs expects
// the last-applied transform first on the command line, so the logical
// chain is reversed here.
func (r *ANTsRegistrator) Transform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	return r.apply(ctx, fixed, moving, transformed, matrices, interpolator, false)
}

// InverseTransform undoes the chain. Callers pass matrices latest-first;
// restoring chain order here puts the last-applied inverse first on the
// command line, which is where ANTs wants it.
func (r *ANTsRegistrator) InverseTransform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	reversed := make([]string, len(matrices))
	for i, m := range matrices {
		reversed[len(matrices)-1-i] = m
	}
	return r.apply(ctx, fixed, moving, transformed, reversed, interpolator, true)
}

func (r *ANTsRegistrator) apply(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string, invert bool) error {
	if err := checkInputs(fixed, moving); err != nil {
		return fmt.Errorf("ants transform: %w", err)
	}
	if len(matrices) == 0 {
		return fmt.Errorf("ants transform: no matrices given")
	}
	if interpolator == "" {
		interpolator = r.DefaultInterpolator()
	}
	if !validANTsInterpolator(interpolator) {
		return fmt.Errorf("ants transform: invalid interpolator %q (valid: %s)", interpolator, strings.Join(antsInterpolators, ", "))
	}
	if err := ensureParent(transformed); err != nil {
		return err
	}

	// Out-of-view voxels pad with the moving image minimum, i.e. air.
	background, err := imageMinimum(moving)
	if err != nil {
		return fmt.Errorf("ants transform: %w", err)
	}

	chain := make([]string, len(matrices))
	for i, m := range matrices {
		chain[i] = withMatrixExt(m, r.MatrixExtension())
	}
	if !invert {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}

	args := antsApplyArgs(fixed, moving, transformed, chain, interpolator, background, invert)
	if err := runLogged(ctx, logPathFor(transformed), r.applyBin, args...); err != nil {
		return fmt.Errorf("ants transform: %w", err)
	}
	return nil
}

func antsRegisterArgs(fixed, moving, prefix, transformType string) []string {
	metric := fmt.Sprintf("MI[%s,%s,1,32,Regular,0.25]", fixed, moving)
	return []string{
		"--dimensionality", "3",
		"--float", "0",
		"--output", prefix,
		"--interpolation", "Linear",
		"--winsorize-image-intensities", "[0.005,0.995]",
		"--initial-moving-transform", fmt.Sprintf("[%s,%s,1]", fixed, moving),
		"--transform", fmt.Sprintf("%s[0.1]", transformType),
		"--metric", metric,
		"--convergence", "[1000x500x250x100,1e-6,10]",
		"--shrink-factors", "8x4x2x1",
		"--smoothing-sigmas", "3x2x1x0vox",
	}
}

func antsApplyArgs(fixed, moving, transformed string, chain []string, interpolator string, background float64, invert bool) []string {
	args := []string{
		"--dimensionality", "3",
		"--input", moving,
		"--reference-image", fixed,
		"--output", transformed,
		"--interpolation", interpolator,
		"--default-value", fmt.Sprintf("%g", background),
	}
	for _, m := range chain {
		if invert {
			args = append(args, "--transform", fmt.Sprintf("[%s,1]", m))
		} else {
			args = append(args, "--transform", m)
		}
	}
	return args
}

func validANTsInterpolator(interp string) bool {
	for _, v := range antsInterpolators {
		if v == interp {
			return true
		}
	}
	return false
}

func imageMinimum(path string) (float64, error) {
	img, err := nifti.Read(path)
	if err != nil {
		return 0, err
	}
	return img.Min(), nil
}
