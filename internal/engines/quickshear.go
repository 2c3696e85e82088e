package engines

import (
	"context"
	"fmt"

	"neuroprep/internal/nifti"
)

// QuickshearDefacer implements the Quickshear defacing algorithm
// (Schimke & Hale, 2011): the lower convex hull of the brain's sagittal
// profile defines a shearing plane below which all voxels are removed.
//
// Deface takes a brain-extracted reference image, so brain extraction is
// a hard dependency of this defacer. The volume is expected on the atlas
// grid, where the second axis runs posterior-anterior and the third
// inferior-superior.
type QuickshearDefacer struct {
	// Buffer is the distance in voxels between the shearing plane and
	// the brain hull.
	Buffer float64
}

// NewQuickshearDefacer returns a defacer with the publication's default
// buffer of 10 voxels.
func NewQuickshearDefacer() *QuickshearDefacer {
	return &QuickshearDefacer{Buffer: 10}
}

func (d *QuickshearDefacer) Name() string { return "quickshear" }

func (d *QuickshearDefacer) RequiresBrainExtraction() bool { return true }

// Deface computes a binary keep-mask from a brain-extracted image.
func (d *QuickshearDefacer) Deface(ctx context.Context, input, mask string) error {
	_ = ctx
	img, err := nifti.Read(input)
	if err != nil {
		return fmt.Errorf("quickshear: %w", err)
	}

	out, err := d.computeMask(img)
	if err != nil {
		return fmt.Errorf("quickshear: %w", err)
	}
	if err := ensureParent(mask); err != nil {
		return err
	}
	if err := nifti.Write(mask, out); err != nil {
		return fmt.Errorf("quickshear: %w", err)
	}
	return nil
}

// ApplyMask fills out-of-mask voxels with background, defaulting to the
// image minimum (air).
func (d *QuickshearDefacer) ApplyMask(ctx context.Context, input, mask, defaced string, background *float64) error {
	_ = ctx
	if background == nil {
		min, err := imageMinimum(input)
		if err != nil {
			return fmt.Errorf("quickshear: %w", err)
		}
		background = &min
	}
	if err := applyMaskFile(input, mask, defaced, background); err != nil {
		return fmt.Errorf("quickshear: %w", err)
	}
	return nil
}

func (d *QuickshearDefacer) computeMask(img *nifti.Image) (*nifti.Image, error) {
	nx, ny, nz := img.Shape()

	// Sagittal profile: collapse the left-right axis.
	brain := make([][]bool, ny)
	for j := range brain {
		brain[j] = make([]bool, nz)
		for k := 0; k < nz; k++ {
			for i := 0; i < nx; i++ {
				if img.At(i, j, k) != 0 {
					brain[j][k] = true
					break
				}
			}
		}
	}

	edge := edgeMask(brain)
	hull := lowerHull(edge)
	if len(hull) < 2 {
		return nil, fmt.Errorf("brain profile too small to fit a shearing plane")
	}

	// Shear plane through the first hull segment, pushed down by the
	// buffer.
	p0, s0 := float64(hull[0][0]), float64(hull[0][1])
	p1, s1 := float64(hull[1][0]), float64(hull[1][1])
	if p1 == p0 {
		return nil, fmt.Errorf("degenerate hull segment")
	}
	slope := (s1 - s0) / (p1 - p0)
	intercept := s0 - p0*slope - d.Buffer

	out := nifti.NewImage(nx, ny, nz)
	out.Header = img.Header
	for i := range out.Data {
		out.Data[i] = 1
	}
	for j := 0; j < ny; j++ {
		line := slope*float64(j) + intercept
		if line <= 0 {
			continue
		}
		cut := int(line)
		if cut > nz {
			cut = nz
		}
		for k := 0; k < cut; k++ {
			for i := 0; i < nx; i++ {
				out.Set(i, j, k, 0)
			}
		}
	}
	return out, nil
}

// edgeMask outlines the sagittal profile with a 4-neighbour Laplacian,
// wrapping at the borders as the reference implementation does.
func edgeMask(brain [][]bool) [][]bool {
	ny := len(brain)
	nz := len(brain[0])
	val := func(j, k int) int {
		if brain[(j+ny)%ny][(k+nz)%nz] {
			return 1
		}
		return 0
	}
	edge := make([][]bool, ny)
	for j := range edge {
		edge[j] = make([]bool, nz)
		for k := 0; k < nz; k++ {
			lap := 4*val(j, k) - val(j-1, k) - val(j+1, k) - val(j, k-1) - val(j, k+1)
			edge[j][k] = lap != 0
		}
	}
	return edge
}

// lowerHull finds the lower half of the convex hull of set points using
// Andrew's monotone chain. Points arrive lexicographically sorted by
// construction (row-major scan).
func lowerHull(edge [][]bool) [][2]int {
	var pts [][2]int
	for j := range edge {
		for k := range edge[j] {
			if edge[j][k] {
				pts = append(pts, [2]int{j, k})
			}
		}
	}

	cross := func(o, a, b [2]int) int {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	var lower [][2]int
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	return lower
}
