package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVolumeName(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/data/sub-01/t1.nii.gz", "t1"},
		{"/data/sub-01/T1c.NII.GZ", "T1c"},
		{"flair.nii", "flair"},
		{"notes.txt", "notes.txt"},
	}
	for _, tc := range cases {
		if got := VolumeName(tc.path); got != tc.want {
			t.Errorf("VolumeName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestListVolumesFlatAndSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"t2.nii.gz", "t1.nii", "readme.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Volumes in subdirectories are not picked up.
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "flair.nii.gz"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ListVolumes(dir)
	if err != nil {
		t.Fatalf("list volumes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 volumes, got %v", got)
	}
	if filepath.Base(got[0]) != "t1.nii" || filepath.Base(got[1]) != "t2.nii.gz" {
		t.Fatalf("expected sorted volumes, got %v", got)
	}
}

func TestIsVolumeFile(t *testing.T) {
	if !IsVolumeFile("a/b/t1.nii.gz") || !IsVolumeFile("t1.nii") {
		t.Fatalf("expected NIfTI extensions to be recognized")
	}
	if IsVolumeFile("t1.dcm") || IsVolumeFile("t1.gz") {
		t.Fatalf("non-NIfTI files should be rejected")
	}
}
