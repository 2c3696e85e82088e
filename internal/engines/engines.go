// Package engines defines the capability interfaces over interchangeable
// external processing engines (registration, brain extraction, defacing,
// bias correction) and ships an adapter per supported backend. Engine
// selection happens once via strategy injection; backend-specific quirks
// such as matrix file extensions or chain ordering never leave an adapter.
package engines

import "context"

// Device selects the compute device an engine runs on. It is fixed at
// orchestrator construction and held for the whole run.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Registrator registers a moving image onto a fixed image and resamples
// images through recorded transform chains.
//
// Matrix chains are always passed in logical order, earliest stage first;
// each adapter handles its backend's own ordering and file-extension
// conventions internally. An empty interpolator selects the backend's
// documented default, which intentionally differs between backends.
type Registrator interface {
	Name() string
	Available() bool

	// Register computes the transform aligning moving onto fixed,
	// writing the resampled image and the transform matrix.
	Register(ctx context.Context, fixed, moving, transformed, matrix string) error

	// Transform resamples moving onto fixed's grid through the chain.
	Transform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error

	// InverseTransform resamples through the inverted chain. Matrices
	// are given in reverse chain order (latest stage first); the adapter
	// inverts each and applies them in the order given.
	InverseTransform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error

	// DefaultInterpolator is the backend's documented resampling default.
	DefaultInterpolator() string

	// MatrixExtension is the transform file extension the backend
	// produces and consumes, including the dot.
	MatrixExtension() string
}

// BrainExtractorMode selects the speed/quality trade-off of extraction
// backends that support one.
const (
	ModeAccurate = "accurate"
	ModeFast     = "fast"
)

// BrainExtractor removes non-brain tissue, producing a masked image and a
// binary brain mask, and applies an existing mask to further images.
type BrainExtractor interface {
	Name() string
	Available() bool
	Extract(ctx context.Context, input, masked, mask string, device Device, mode string) error
	ApplyMask(ctx context.Context, input, mask, masked string) error
}

// Defacer computes a defacing mask and applies it. ApplyMask sets
// out-of-mask voxels to background; a nil background means the image
// minimum.
type Defacer interface {
	Name() string
	Deface(ctx context.Context, input, mask string) error
	ApplyMask(ctx context.Context, input, mask, defaced string, background *float64) error

	// RequiresBrainExtraction reports whether Deface needs a
	// brain-extracted reference image as input.
	RequiresBrainExtraction() bool
}

// N4BiasCorrector removes low-frequency intensity non-uniformity.
type N4BiasCorrector interface {
	Name() string
	Available() bool
	Correct(ctx context.Context, input, corrected string) error
}
