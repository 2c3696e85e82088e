package modality

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"neuroprep/internal/nifti"
	"neuroprep/internal/normalize"
)

func TestAdvanceRecordsArtifactAndMovesCurrent(t *testing.T) {
	m := New("t1c", "/scans/t1c.nii.gz")
	if m.Current != "/scans/t1c.nii.gz" {
		t.Fatalf("current = %q, want input path", m.Current)
	}
	if err := m.Advance(StageCoregistered, "/work/t1c_coreg.nii.gz"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if m.Current != "/work/t1c_coreg.nii.gz" {
		t.Errorf("current = %q, want coregistered artifact", m.Current)
	}
	if m.Steps[StageCoregistered] != "/work/t1c_coreg.nii.gz" {
		t.Errorf("coregistered step not recorded")
	}
	if m.Steps[StageInput] != "/scans/t1c.nii.gz" {
		t.Errorf("input step lost")
	}
}

func TestAdvanceRejectsDuplicateStage(t *testing.T) {
	m := New("flair", "/scans/flair.nii.gz")
	if err := m.Advance(StageCoregistered, "/work/a.nii.gz"); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	err := m.Advance(StageCoregistered, "/work/b.nii.gz")
	if err == nil || !strings.Contains(err.Error(), "already recorded") {
		t.Fatalf("expected duplicate stage error, got %v", err)
	}
	if m.Current != "/work/a.nii.gz" {
		t.Errorf("failed advance mutated state: current = %q", m.Current)
	}
}

func TestAdvanceRejectsEmptyArtifactAndInvalidStage(t *testing.T) {
	m := New("t2", "/scans/t2.nii.gz")
	if err := m.Advance(StageBET, ""); err == nil {
		t.Error("expected error for empty artifact")
	}
	if err := m.Advance(Stage(99), "/work/x.nii.gz"); err == nil {
		t.Error("expected error for invalid stage")
	}
	if err := m.Advance(Stage(-1), "/work/x.nii.gz"); err == nil {
		t.Error("expected error for negative stage")
	}
}

func TestAdvanceDefacedRequiresBET(t *testing.T) {
	m := New("t1", "/scans/t1.nii.gz")
	err := m.Advance(StageDefaced, "/work/t1_defaced.nii.gz")
	if err == nil || !strings.Contains(err.Error(), "brain extraction") {
		t.Fatalf("expected missing BET error, got %v", err)
	}
	if err := m.Advance(StageBET, "/work/t1_bet.nii.gz"); err != nil {
		t.Fatalf("bet advance: %v", err)
	}
	if err := m.Advance(StageDefaced, "/work/t1_defaced.nii.gz"); err != nil {
		t.Fatalf("defaced advance after bet: %v", err)
	}
	if m.Current != "/work/t1_defaced.nii.gz" {
		t.Errorf("current = %q, want defaced artifact", m.Current)
	}
}

func TestTransformChainStageOrder(t *testing.T) {
	m := New("t1c", "/scans/t1c.nii.gz")
	// Recorded out of order on purpose.
	if err := m.RecordTransform(StageAtlasRegistered, "/work/1_atlas.mat"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := m.RecordTransform(StageCoregistered, "/work/0_coreg.mat"); err != nil {
		t.Fatalf("record: %v", err)
	}

	chain := m.TransformChain()
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].Stage != StageCoregistered || chain[1].Stage != StageAtlasRegistered {
		t.Errorf("chain not in stage order: %+v", chain)
	}
	if err := m.RecordTransform(Stage(42), "/x.mat"); err == nil {
		t.Error("expected error for invalid stage")
	}
}

func TestOutputRequestFlags(t *testing.T) {
	m := New("t2", "/scans/t2.nii.gz")
	if m.BET() || m.RequiresDeface() {
		t.Fatal("fresh modality requests nothing")
	}
	m.NormalizedBetOutput = "/out/t2_bet_norm.nii.gz"
	if !m.BET() {
		t.Error("normalized bet output must imply BET")
	}
	m.RawDefacedOutput = "/out/t2_defaced.nii.gz"
	if !m.RequiresDeface() {
		t.Error("raw defaced output must imply defacing")
	}
}

func TestHighestStage(t *testing.T) {
	m := New("t1", "/scans/t1.nii.gz")
	if got := m.HighestStage(); got != StageInput {
		t.Fatalf("highest = %v, want input", got)
	}
	if err := m.Advance(StageCoregistered, "/w/c.nii.gz"); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(StageBET, "/w/b.nii.gz"); err != nil {
		t.Fatal(err)
	}
	if got := m.HighestStage(); got != StageBET {
		t.Errorf("highest = %v, want bet", got)
	}
}

func TestSaveCurrentRawCopies(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cur.nii.gz")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New("t1", src)
	dst := filepath.Join(dir, "out", "t1.nii.gz")
	if err := m.SaveCurrent(dst, false); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("saved content mismatch")
	}
}

func TestSaveCurrentNormalizedLeavesArtifactUntouched(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cur.nii.gz")
	img := nifti.NewImage(2, 2, 2)
	for i := range img.Data {
		img.Data[i] = float64(i * 10)
	}
	if err := nifti.Write(src, img); err != nil {
		t.Fatalf("write source: %v", err)
	}

	m := New("t1", src)
	m.Normalizer = normalize.NewPercentile()
	dst := filepath.Join(dir, "out", "t1_norm.nii.gz")
	if err := m.SaveCurrent(dst, true); err != nil {
		t.Fatalf("save normalized: %v", err)
	}

	saved, err := nifti.Read(dst)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	for _, v := range saved.Data {
		if v < 0 || v > 1 {
			t.Fatalf("normalized voxel %v outside [0,1]", v)
		}
	}
	orig, err := nifti.Read(src)
	if err != nil {
		t.Fatalf("reread source: %v", err)
	}
	if orig.At(1, 1, 1) != 70 {
		t.Errorf("source artifact mutated: %v", orig.At(1, 1, 1))
	}
}

func TestCenterModalitySaveMask(t *testing.T) {
	dir := t.TempDir()
	mask := filepath.Join(dir, "mask.nii.gz")
	if err := os.WriteFile(mask, []byte("mask"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCenter("t1c", "/scans/t1c.nii.gz")

	// Empty destination means the mask was not requested.
	if err := c.SaveMask(mask, ""); err != nil {
		t.Fatalf("save unrequested mask: %v", err)
	}

	dst := filepath.Join(dir, "out", "mask.nii.gz")
	if err := c.SaveMask(mask, dst); err != nil {
		t.Fatalf("save mask: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("mask not written: %v", err)
	}
}

func TestStageStrings(t *testing.T) {
	if StageDefaced.String() != "defaced" {
		t.Errorf("defaced stage name = %q", StageDefaced.String())
	}
	if Stage(99).Valid() {
		t.Error("stage 99 must be invalid")
	}
	if len(Stages()) != NumStages {
		t.Errorf("Stages() length = %d", len(Stages()))
	}
}
