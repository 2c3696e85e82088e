package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type recordingRegistrator struct {
	forward [][]string
	inverse [][]string
}

func (r *recordingRegistrator) Name() string                { return "recording" }
func (r *recordingRegistrator) Available() bool             { return true }
func (r *recordingRegistrator) DefaultInterpolator() string { return "x" }
func (r *recordingRegistrator) MatrixExtension() string     { return ".txt" }

func (r *recordingRegistrator) Register(ctx context.Context, fixed, moving, transformed, matrix string) error {
	return nil
}

func (r *recordingRegistrator) Transform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	r.forward = append(r.forward, append([]string(nil), matrices...))
	return nil
}

func (r *recordingRegistrator) InverseTransform(ctx context.Context, fixed, moving, transformed string, matrices []string, interpolator string) error {
	r.inverse = append(r.inverse, append([]string(nil), matrices...))
	return nil
}

func writeChain(t *testing.T, dir, name string, files ...string) {
	t.Helper()
	modDir := filepath.Join(dir, name)
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(modDir, f), []byte("matrix"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNewFailsWithoutDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), &recordingRegistrator{}, nil)
	if err == nil {
		t.Fatal("expected error for missing transformations directory")
	}
}

func TestApplyForwardStageOrder(t *testing.T) {
	dir := t.TempDir()
	// Written out of creation order; the stage prefix defines the sort.
	writeChain(t, dir, "T2", "2_atlas__T1.txt", "1_co__T1__T2.txt")

	reg := &recordingRegistrator{}
	tr, err := New(dir, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Apply(context.Background(), "T2", "target.nii.gz", "moving.nii.gz", "out.nii.gz", "", false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(reg.forward) != 1 {
		t.Fatalf("forward calls = %d, want 1", len(reg.forward))
	}
	chain := reg.forward[0]
	if filepath.Base(chain[0]) != "1_co__T1__T2.txt" || filepath.Base(chain[1]) != "2_atlas__T1.txt" {
		t.Errorf("chain not in stage order: %v", chain)
	}
}

func TestApplyInverseReversesChain(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, "T2", "1_co__T1__T2.txt", "2_atlas__T1.txt")

	reg := &recordingRegistrator{}
	tr, err := New(dir, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Apply(context.Background(), "T2", "target.nii.gz", "seg.nii.gz", "out.nii.gz", "", true); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}

	if len(reg.inverse) != 1 {
		t.Fatalf("inverse calls = %d, want 1", len(reg.inverse))
	}
	chain := reg.inverse[0]
	if filepath.Base(chain[0]) != "2_atlas__T1.txt" || filepath.Base(chain[1]) != "1_co__T1__T2.txt" {
		t.Errorf("inverse chain not latest-first: %v", chain)
	}
	if len(reg.forward) != 0 {
		t.Error("forward transform called on the inverse path")
	}
}

func TestApplyUnknownModalityFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, "T2", "1_co.txt")

	tr, err := New(dir, &recordingRegistrator{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Apply(context.Background(), "FLAIR", "t.nii.gz", "m.nii.gz", "o.nii.gz", "", false)
	if err == nil {
		t.Fatal("expected error for unknown modality")
	}
}
