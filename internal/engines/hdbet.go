package engines

import (
	"context"
	"fmt"
	"os"
)

// HDBetExtractor drives the hd-bet CLI. Extraction produces the masked
// image plus a <name>_mask companion file; mask application is a native
// voxel multiply, matching the single-extraction-then-mask-reuse flow.
type HDBetExtractor struct {
	bin string
}

// NewHDBetExtractor returns an adapter over hd-bet.
func NewHDBetExtractor() *HDBetExtractor {
	return &HDBetExtractor{bin: "hd-bet"}
}

func (e *HDBetExtractor) Name() string { return "hdbet" }

func (e *HDBetExtractor) Available() bool { return binaryAvailable(e.bin) }

// Extract skull-strips input, writing the masked image and brain mask.
func (e *HDBetExtractor) Extract(ctx context.Context, input, masked, mask string, device Device, mode string) error {
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("hdbet extract: %w", err)
	}
	if err := ensureParent(masked); err != nil {
		return err
	}
	if mode == "" {
		mode = ModeAccurate
	}

	dev := "0"
	if device == DeviceCPU {
		dev = "cpu"
	}
	args := []string{
		"-i", input,
		"-o", masked,
		"-device", dev,
		"-mode", mode,
		"--save_mask",
	}
	if device == DeviceCPU {
		// TTA is prohibitively slow off the GPU.
		args = append(args, "-tta", "0")
	}
	if err := runLogged(ctx, logPathFor(masked), e.bin, args...); err != nil {
		return fmt.Errorf("hdbet extract: %w", err)
	}

	// hd-bet names its mask after the masked output.
	produced := stripImageExt(masked) + "_mask.nii.gz"
	if produced != mask {
		if err := os.Rename(produced, mask); err != nil {
			return fmt.Errorf("hdbet extract: collect mask: %w", err)
		}
	}
	return nil
}

// ApplyMask multiplies input by the brain mask.
func (e *HDBetExtractor) ApplyMask(ctx context.Context, input, mask, masked string) error {
	_ = ctx
	if err := applyMaskFile(input, mask, masked, nil); err != nil {
		return fmt.Errorf("hdbet: %w", err)
	}
	return nil
}
