// Package modality models one acquired image series as it moves through
// the preprocessing pipeline: its identity, its current artifact, and a
// per-stage record of every artifact and transform matrix produced for it.
package modality

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"neuroprep/internal/nifti"
	"neuroprep/internal/normalize"
)

// State is the per-modality bookkeeping advanced at every stage: the
// current artifact pointer plus the stage-indexed artifact and transform
// matrix records. It is a value type so each transition can be tested in
// isolation.
type State struct {
	Current    string
	Steps      [NumStages]string
	Transforms [NumStages]string
}

// Advance returns a copy of state with the stage artifact recorded and the
// current pointer moved to it.
//
// It enforces the cross-stage invariants: a stage is recorded at most
// once, Current always points at the artifact of the highest stage reached,
// and DEFACED may only be written once a BET artifact exists.
func Advance(state State, stage Stage, artifact string) (State, error) {
	if !stage.Valid() {
		return state, fmt.Errorf("advance: invalid stage %d", int(stage))
	}
	if artifact == "" {
		return state, fmt.Errorf("advance: empty artifact for stage %s", stage)
	}
	if state.Steps[stage] != "" {
		return state, fmt.Errorf("advance: stage %s already recorded", stage)
	}
	if stage == StageDefaced && state.Steps[StageBET] == "" {
		return state, fmt.Errorf("advance: defaced output requires a brain extraction artifact, but stage %s is missing", StageBET)
	}
	state.Steps[stage] = artifact
	state.Current = artifact
	return state, nil
}

// Modality is one image series processed through the pipeline. Requested
// output paths are set by the caller before the run; empty means not
// requested. The state fields are mutated only by the orchestrator during
// Run and are read-only afterwards.
type Modality struct {
	State

	Name      string
	InputPath string

	// Requested outputs. Raw variants are written as-is, normalized
	// variants pass through the attached Normalizer first.
	RawSkullOutput          string
	NormalizedSkullOutput   string
	RawBetOutput            string
	NormalizedBetOutput     string
	RawDefacedOutput        string
	NormalizedDefacedOutput string

	AtlasCorrection  bool
	N4BiasCorrection bool
	Normalizer       normalize.Normalizer
}

// New creates a modality pointing at its native input image.
func New(name, inputPath string) *Modality {
	m := &Modality{Name: name, InputPath: inputPath}
	m.Current = inputPath
	m.Steps[StageInput] = inputPath
	return m
}

// BET reports whether any brain-extracted output was requested.
func (m *Modality) BET() bool {
	return m.RawBetOutput != "" || m.NormalizedBetOutput != ""
}

// RequiresDeface reports whether any defaced output was requested.
func (m *Modality) RequiresDeface() bool {
	return m.RawDefacedOutput != "" || m.NormalizedDefacedOutput != ""
}

// Advance records a stage artifact and moves the current pointer.
func (m *Modality) Advance(stage Stage, artifact string) error {
	next, err := Advance(m.State, stage, artifact)
	if err != nil {
		return fmt.Errorf("modality %s: %w", m.Name, err)
	}
	m.State = next
	return nil
}

// RecordTransform stores the matrix path produced by the given stage.
func (m *Modality) RecordTransform(stage Stage, matrixPath string) error {
	if !stage.Valid() {
		return fmt.Errorf("modality %s: invalid stage %d", m.Name, int(stage))
	}
	m.Transforms[stage] = matrixPath
	return nil
}

// ChainEntry is one step of a recorded transform chain.
type ChainEntry struct {
	Stage  Stage
	Matrix string
}

// TransformChain returns the recorded matrices in stage order.
func (m *Modality) TransformChain() []ChainEntry {
	var chain []ChainEntry
	for _, s := range Stages() {
		if m.Transforms[s] != "" {
			chain = append(chain, ChainEntry{Stage: s, Matrix: m.Transforms[s]})
		}
	}
	return chain
}

// HighestStage returns the most advanced stage with a recorded artifact.
func (m *Modality) HighestStage() Stage {
	highest := StageInput
	for _, s := range Stages() {
		if m.Steps[s] != "" {
			highest = s
		}
	}
	return highest
}

// SaveCurrent writes the current artifact to dst, creating parent
// directories. With normalized set and a Normalizer attached, the voxel
// data is normalized on the way out; the current artifact itself is never
// mutated.
func (m *Modality) SaveCurrent(dst string, normalized bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("modality %s: save: %w", m.Name, err)
	}
	if !normalized || m.Normalizer == nil {
		return copyFile(m.Current, dst)
	}

	img, err := nifti.Read(m.Current)
	if err != nil {
		return fmt.Errorf("modality %s: normalize: %w", m.Name, err)
	}
	img.Data = m.Normalizer.Normalize(img.Data)
	if err := nifti.Write(dst, img); err != nil {
		return fmt.Errorf("modality %s: normalize: %w", m.Name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CenterModality is the registration anchor. Masks are computed once on
// the center and reused for all moving modalities, so only the center can
// expose them as outputs.
type CenterModality struct {
	Modality

	BetMaskOutput    string
	DefaceMaskOutput string
}

// NewCenter creates a center modality pointing at its native input image.
func NewCenter(name, inputPath string) *CenterModality {
	c := &CenterModality{}
	c.Name = name
	c.InputPath = inputPath
	c.Current = inputPath
	c.Steps[StageInput] = inputPath
	return c
}

// SaveMask copies a computed mask to an output path requested on the
// center modality.
func (c *CenterModality) SaveMask(maskPath, dst string) error {
	if dst == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("modality %s: save mask: %w", c.Name, err)
	}
	return copyFile(maskPath, dst)
}
