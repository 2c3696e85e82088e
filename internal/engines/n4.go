package engines

import (
	"context"
	"fmt"
	"os"
)

// ANTsN4BiasCorrector drives the ANTs N4BiasFieldCorrection tool.
type ANTsN4BiasCorrector struct {
	// Shrink downsamples the image during field estimation; 4 is the
	// common anatomical-MR setting.
	Shrink int

	bin string
}

// NewANTsN4BiasCorrector returns an adapter over N4BiasFieldCorrection.
func NewANTsN4BiasCorrector() *ANTsN4BiasCorrector {
	return &ANTsN4BiasCorrector{Shrink: 4, bin: "N4BiasFieldCorrection"}
}

func (c *ANTsN4BiasCorrector) Name() string { return "n4-ants" }

func (c *ANTsN4BiasCorrector) Available() bool { return binaryAvailable(c.bin) }

// Correct removes the bias field from input.
func (c *ANTsN4BiasCorrector) Correct(ctx context.Context, input, corrected string) error {
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("n4 correct: %w", err)
	}
	if err := ensureParent(corrected); err != nil {
		return err
	}

	args := []string{
		"--image-dimensionality", "3",
		"--input-image", input,
		"--shrink-factor", fmt.Sprintf("%d", c.Shrink),
		"--output", corrected,
	}
	if err := runLogged(ctx, logPathFor(corrected), c.bin, args...); err != nil {
		return fmt.Errorf("n4 correct: %w", err)
	}
	return nil
}
