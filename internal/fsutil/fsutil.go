// Package fsutil finds NIfTI volumes on disk and derives modality names
// from their file names.
package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IsVolumeFile reports whether path names a NIfTI volume.
func IsVolumeFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// VolumeName returns the modality name encoded in a volume's file name:
// the base name with the .nii or .nii.gz suffix stripped.
func VolumeName(path string) string {
	name := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(name), ".nii.gz") {
		return name[:len(name)-len(".nii.gz")]
	}
	if strings.HasSuffix(strings.ToLower(name), ".nii") {
		return name[:len(name)-len(".nii")]
	}
	return name
}

// ListVolumes returns the NIfTI volumes directly inside dir, sorted by
// name. Subdirectories are not descended into; a subject directory is
// expected to be flat.
func ListVolumes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsVolumeFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
