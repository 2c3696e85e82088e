package engines

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runLogged executes an external engine binary, capturing combined output
// to logPath. Engine failures are surfaced unmodified; there is no retry.
func runLogged(ctx context.Context, logPath, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, runErr := cmd.CombinedOutput()
	if logPath != "" {
		_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
		_ = os.WriteFile(logPath, out, 0o644)
	}
	if runErr != nil {
		if logPath != "" {
			return fmt.Errorf("%s: %w (output in %s)", bin, runErr, logPath)
		}
		return fmt.Errorf("%s: %w", bin, runErr)
	}
	return nil
}

// binaryAvailable reports whether an engine binary is on PATH.
func binaryAvailable(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// checkInputs fails fast when a registration input is missing.
func checkInputs(fixed, moving string) error {
	if _, err := os.Stat(fixed); err != nil {
		return fmt.Errorf("fixed image: %w", err)
	}
	if _, err := os.Stat(moving); err != nil {
		return fmt.Errorf("moving image: %w", err)
	}
	return nil
}

// stripImageExt removes a trailing .nii or .nii.gz.
func stripImageExt(path string) string {
	path = strings.TrimSuffix(path, ".gz")
	return strings.TrimSuffix(path, ".nii")
}

// logPathFor derives an engine log path next to an output image.
func logPathFor(image string) string {
	return stripImageExt(image) + ".log"
}

// withMatrixExt rewrites a matrix path to carry the backend's extension.
func withMatrixExt(path, ext string) string {
	cur := filepath.Ext(path)
	if cur == ext {
		return path
	}
	return strings.TrimSuffix(path, cur) + ext
}

func ensureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
