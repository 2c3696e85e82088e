package engines

import (
	"fmt"

	"neuroprep/internal/nifti"
)

// applyMaskFile writes input with out-of-mask voxels replaced. A nil
// background keeps the multiplicative convention (0); otherwise voxels
// outside the mask take the given value.
func applyMaskFile(input, mask, output string, background *float64) error {
	img, err := nifti.Read(input)
	if err != nil {
		return fmt.Errorf("apply mask: %w", err)
	}
	msk, err := nifti.Read(mask)
	if err != nil {
		return fmt.Errorf("apply mask: %w", err)
	}
	if len(img.Data) != len(msk.Data) {
		return fmt.Errorf("apply mask: image and mask dimensions differ")
	}

	bg := 0.0
	if background != nil {
		bg = *background
	}
	for i, v := range msk.Data {
		if v <= 0.5 {
			img.Data[i] = bg
		}
	}
	if err := ensureParent(output); err != nil {
		return err
	}
	if err := nifti.Write(output, img); err != nil {
		return fmt.Errorf("apply mask: %w", err)
	}
	return nil
}
