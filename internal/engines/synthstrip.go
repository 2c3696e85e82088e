package engines

import (
	"context"
	"fmt"
	"os"
)

// SynthStripExtractor drives FreeSurfer's mri_synthstrip.
type SynthStripExtractor struct {
	bin string
}

// NewSynthStripExtractor returns an adapter over mri_synthstrip.
func NewSynthStripExtractor() *SynthStripExtractor {
	return &SynthStripExtractor{bin: "mri_synthstrip"}
}

func (e *SynthStripExtractor) Name() string { return "synthstrip" }

func (e *SynthStripExtractor) Available() bool { return binaryAvailable(e.bin) }

// Extract skull-strips input. SynthStrip has no fast/accurate switch, so
// mode is ignored.
func (e *SynthStripExtractor) Extract(ctx context.Context, input, masked, mask string, device Device, mode string) error {
	_ = mode
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("synthstrip extract: %w", err)
	}
	if err := ensureParent(masked); err != nil {
		return err
	}

	args := []string{
		"-i", input,
		"-o", masked,
		"-m", mask,
	}
	if device == DeviceGPU {
		args = append(args, "-g")
	}
	if err := runLogged(ctx, logPathFor(masked), e.bin, args...); err != nil {
		return fmt.Errorf("synthstrip extract: %w", err)
	}
	return nil
}

// ApplyMask multiplies input by the brain mask.
func (e *SynthStripExtractor) ApplyMask(ctx context.Context, input, mask, masked string) error {
	_ = ctx
	if err := applyMaskFile(input, mask, masked, nil); err != nil {
		return fmt.Errorf("synthstrip: %w", err)
	}
	return nil
}
