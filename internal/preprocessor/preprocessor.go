// Package preprocessor sequences the preprocessing pipeline: coregistration,
// atlas registration, optional atlas correction and bias correction, then
// conditional brain extraction and defacing, with every artifact and
// transform recorded on its modality. Stage order is fixed; whether a stage
// runs depends on the requested outputs and on downstream dependencies.
package preprocessor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"neuroprep/internal/engines"
	"neuroprep/internal/modality"
)

// Options carries the optional collaborators and run settings. Zero values
// select the documented defaults.
type Options struct {
	Registrator    engines.Registrator
	BrainExtractor engines.BrainExtractor
	Defacer        engines.Defacer
	BiasCorrector  engines.N4BiasCorrector

	// Device is fixed for the whole run.
	Device engines.Device

	// ExtractionMode selects the extractor's speed/quality trade-off.
	ExtractionMode string

	// Interpolator overrides the registration backend's default for
	// resampling calls. Empty keeps the backend default.
	Interpolator string

	// RefineDefaceMask re-registers the brain-extracted center to the
	// atlas before computing the deface mask and maps the mask back
	// through the inverse transform.
	RefineDefaceMask bool

	// TempDir holds intermediate artifacts. Empty means a fresh
	// temporary directory owned by the preprocessor.
	TempDir string

	Logger *slog.Logger
}

// SaveDirs names optional directories that receive a copy of each stage's
// working directory. Empty entries are skipped. Transformations receives
// the per-modality transform chains consumed later by post-hoc replay.
type SaveDirs struct {
	Coregistration    string
	AtlasRegistration string
	AtlasCorrection   string
	BiasCorrection    string
	BrainExtraction   string
	Defacing          string
	Transformations   string
}

// Preprocessor drives one subject's modality set through the pipeline.
type Preprocessor struct {
	center *modality.CenterModality
	moving []*modality.Modality

	registrator engines.Registrator
	extractor   engines.BrainExtractor
	defacer     engines.Defacer
	corrector   engines.N4BiasCorrector

	atlasPath        string
	device           engines.Device
	extractionMode   string
	interpolator     string
	refineDefaceMask bool

	tempDir  string
	ownsTemp bool

	log *slog.Logger

	// brainMask is set once brain extraction has run on the center.
	brainMask string
}

// New validates the modality set and assembles a preprocessor. Modality
// names must be unique across the center and all moving modalities; every
// duplicate is listed in the returned error.
func New(center *modality.CenterModality, moving []*modality.Modality, atlasPath string, opts Options) (*Preprocessor, error) {
	if center == nil {
		return nil, fmt.Errorf("preprocessor: center modality is required")
	}
	p := &Preprocessor{
		center:           center,
		moving:           moving,
		registrator:      opts.Registrator,
		extractor:        opts.BrainExtractor,
		defacer:          opts.Defacer,
		corrector:        opts.BiasCorrector,
		atlasPath:        atlasPath,
		device:           opts.Device,
		extractionMode:   opts.ExtractionMode,
		interpolator:     opts.Interpolator,
		refineDefaceMask: opts.RefineDefaceMask,
		tempDir:          opts.TempDir,
		log:              opts.Logger,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.device == "" {
		p.device = engines.DeviceGPU
	}

	if err := checkNameConflicts(p.allModalities()); err != nil {
		return nil, err
	}

	if p.registrator == nil {
		p.log.Warn("no registrator provided, using default ANTs registrator")
		p.registrator = engines.NewANTsRegistrator()
	}
	if p.corrector == nil {
		p.corrector = engines.NewANTsN4BiasCorrector()
	}

	if p.tempDir == "" {
		dir, err := os.MkdirTemp("", "neuroprep-*")
		if err != nil {
			return nil, fmt.Errorf("preprocessor: temp dir: %w", err)
		}
		p.tempDir = dir
		p.ownsTemp = true
	} else if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("preprocessor: temp dir: %w", err)
	}

	return p, nil
}

// Cleanup removes the temporary directory if the preprocessor created it.
func (p *Preprocessor) Cleanup() {
	if p.ownsTemp {
		os.RemoveAll(p.tempDir)
	}
}

func (p *Preprocessor) allModalities() []*modality.Modality {
	all := make([]*modality.Modality, 0, len(p.moving)+1)
	all = append(all, &p.center.Modality)
	return append(all, p.moving...)
}

func (p *Preprocessor) requiresDefacing() bool {
	for _, m := range p.allModalities() {
		if m.RequiresDeface() {
			return true
		}
	}
	return false
}

func checkNameConflicts(all []*modality.Modality) error {
	counts := make(map[string]int)
	var order []string
	for _, m := range all {
		if counts[m.Name] == 0 {
			order = append(order, m.Name)
		}
		counts[m.Name]++
	}
	var duplicates []string
	for _, name := range order {
		if counts[name] > 1 {
			duplicates = append(duplicates, name)
		}
	}
	if len(duplicates) > 0 {
		return fmt.Errorf("duplicate modality names found: %s", strings.Join(duplicates, ", "))
	}
	return nil
}

// Run executes the pipeline. Afterwards each modality's state records every
// stage artifact and transform, and all requested output files exist.
func (p *Preprocessor) Run(ctx context.Context, dirs SaveDirs) error {
	names := make([]string, len(p.moving))
	for i, m := range p.moving {
		names[i] = m.Name
	}
	p.log.Info("starting preprocessing",
		"center", p.center.Name,
		"moving", strings.Join(names, ","),
		"device", string(p.device),
	)

	if err := p.runCoregistration(ctx, dirs.Coregistration); err != nil {
		return fmt.Errorf("coregistration: %w", err)
	}
	if err := p.runAtlasRegistration(ctx, dirs.AtlasRegistration); err != nil {
		return fmt.Errorf("atlas registration: %w", err)
	}
	if err := p.runAtlasCorrection(ctx, dirs.AtlasCorrection); err != nil {
		return fmt.Errorf("atlas correction: %w", err)
	}
	if err := p.runBiasCorrection(ctx, dirs.BiasCorrection); err != nil {
		return fmt.Errorf("bias correction: %w", err)
	}

	// Skull outputs reflect the latest artifact before any stripping.
	p.log.Info("saving non skull-stripped images")
	for _, m := range p.allModalities() {
		if m.RawSkullOutput != "" {
			if err := m.SaveCurrent(m.RawSkullOutput, false); err != nil {
				return err
			}
		}
		if m.NormalizedSkullOutput != "" {
			if err := m.SaveCurrent(m.NormalizedSkullOutput, true); err != nil {
				return err
			}
		}
	}

	if err := p.runBrainExtraction(ctx, dirs.BrainExtraction); err != nil {
		return fmt.Errorf("brain extraction: %w", err)
	}
	if err := p.runDefacing(ctx, dirs.Defacing); err != nil {
		return fmt.Errorf("defacing: %w", err)
	}
	if err := p.saveTransformations(dirs.Transformations); err != nil {
		return fmt.Errorf("save transformations: %w", err)
	}

	p.log.Info("preprocessing complete", "center", p.center.Name)
	return nil
}

// runCoregistration aligns every moving modality onto the center. The
// center's own coregistered record equals its input so later chain
// composition treats all modalities uniformly.
func (p *Preprocessor) runCoregistration(ctx context.Context, saveDir string) error {
	coregDir := filepath.Join(p.tempDir, "coregistration")
	if err := os.MkdirAll(coregDir, 0o755); err != nil {
		return err
	}

	p.log.Info("coregistering moving modalities", "count", len(p.moving))
	for _, m := range p.moving {
		name := fmt.Sprintf("co__%s__%s", p.center.Name, m.Name)
		registered := filepath.Join(coregDir, name+".nii.gz")
		matrix := filepath.Join(coregDir, name+p.registrator.MatrixExtension())

		p.log.Info("registering to center", "modality", m.Name, "file", name)
		if err := p.registrator.Register(ctx, p.center.Current, m.Current, registered, matrix); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageCoregistered, registered); err != nil {
			return err
		}
		if err := m.RecordTransform(modality.StageCoregistered, matrix); err != nil {
			return err
		}
	}

	if err := p.center.Advance(modality.StageCoregistered, p.center.Steps[modality.StageInput]); err != nil {
		return err
	}

	native := filepath.Join(coregDir, fmt.Sprintf("native__%s.nii.gz", p.center.Name))
	if err := copyFile(p.center.InputPath, native); err != nil {
		return err
	}

	return saveOutput(coregDir, saveDir)
}

// runAtlasRegistration registers the center onto the atlas, then brings
// every moving modality into atlas space in a single resample from its
// original input by composing its coregistration matrix with the center's
// atlas matrix.
func (p *Preprocessor) runAtlasRegistration(ctx context.Context, saveDir string) error {
	atlasDir := filepath.Join(p.tempDir, "atlas-space")
	if err := os.MkdirAll(atlasDir, 0o755); err != nil {
		return err
	}

	p.log.Info("registering center modality to atlas", "modality", p.center.Name)
	centerName := fmt.Sprintf("atlas__%s", p.center.Name)
	centerImage := filepath.Join(atlasDir, centerName+".nii.gz")
	centerMatrix := filepath.Join(atlasDir, centerName+p.registrator.MatrixExtension())
	if err := p.registrator.Register(ctx, p.atlasPath, p.center.Current, centerImage, centerMatrix); err != nil {
		return fmt.Errorf("modality %s: %w", p.center.Name, err)
	}
	if err := p.center.Advance(modality.StageAtlasRegistered, centerImage); err != nil {
		return err
	}
	if err := p.center.RecordTransform(modality.StageAtlasRegistered, centerMatrix); err != nil {
		return err
	}

	p.log.Info("transforming moving modalities to atlas space", "count", len(p.moving))
	for _, m := range p.moving {
		name := fmt.Sprintf("atlas__%s", m.Name)
		transformed := filepath.Join(atlasDir, name+".nii.gz")

		// One interpolation from the native input through the folded
		// chain instead of resampling the coregistered intermediate.
		chain := []string{m.Transforms[modality.StageCoregistered], centerMatrix}
		if err := p.registrator.Transform(ctx, p.atlasPath, m.Steps[modality.StageInput], transformed, chain, p.interpolator); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageAtlasRegistered, transformed); err != nil {
			return err
		}
		if err := m.RecordTransform(modality.StageAtlasRegistered, centerMatrix); err != nil {
			return err
		}
	}

	return saveOutput(atlasDir, saveDir)
}

// runAtlasCorrection re-registers flagged moving modalities directly
// against the center's atlas-space image. The center's corrected artifact
// is a copy of its current image, recorded for chain completeness.
func (p *Preprocessor) runAtlasCorrection(ctx context.Context, saveDir string) error {
	needed := p.center.AtlasCorrection
	for _, m := range p.moving {
		needed = needed || m.AtlasCorrection
	}
	if !needed {
		p.log.Info("skipping optional atlas correction")
		return nil
	}

	correctionDir := filepath.Join(p.tempDir, "atlas-correction")
	if err := os.MkdirAll(correctionDir, 0o755); err != nil {
		return err
	}

	for _, m := range p.moving {
		if !m.AtlasCorrection {
			p.log.Info("skipping atlas correction", "modality", m.Name)
			continue
		}
		p.log.Info("applying atlas correction", "modality", m.Name)
		name := fmt.Sprintf("atlas_corrected__%s__%s", p.center.Name, m.Name)
		corrected := filepath.Join(correctionDir, name+".nii.gz")
		matrix := filepath.Join(correctionDir, name+p.registrator.MatrixExtension())
		if err := p.registrator.Register(ctx, p.center.Current, m.Current, corrected, matrix); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageAtlasCorrected, corrected); err != nil {
			return err
		}
		if err := m.RecordTransform(modality.StageAtlasCorrected, matrix); err != nil {
			return err
		}
	}

	if p.center.AtlasCorrection {
		corrected := filepath.Join(correctionDir, fmt.Sprintf("atlas_corrected__%s.nii.gz", p.center.Name))
		if err := copyFile(p.center.Current, corrected); err != nil {
			return err
		}
		if err := p.center.Advance(modality.StageAtlasCorrected, corrected); err != nil {
			return err
		}
	}

	return saveOutput(correctionDir, saveDir)
}

func (p *Preprocessor) runBiasCorrection(ctx context.Context, saveDir string) error {
	needed := false
	for _, m := range p.allModalities() {
		needed = needed || m.N4BiasCorrection
	}
	if !needed {
		p.log.Info("skipping optional bias correction")
		return nil
	}

	n4Dir := filepath.Join(p.tempDir, "n4-bias-correction")
	if err := os.MkdirAll(n4Dir, 0o755); err != nil {
		return err
	}

	for _, m := range p.allModalities() {
		if !m.N4BiasCorrection {
			p.log.Info("skipping bias correction", "modality", m.Name)
			continue
		}
		p.log.Info("applying bias correction", "modality", m.Name)
		corrected := filepath.Join(n4Dir, fmt.Sprintf("n4_bias_corrected__%s.nii.gz", m.Name))
		if err := p.corrector.Correct(ctx, m.Current, corrected); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageN4BiasCorrected, corrected); err != nil {
			return err
		}
	}

	return saveOutput(n4Dir, saveDir)
}

// runBrainExtraction runs when any modality requests a brain-extracted
// output, or when defacing is requested and the defacer needs a
// brain-extracted reference. Extraction runs once on the center; the
// resulting mask is applied to every moving modality.
func (p *Preprocessor) runBrainExtraction(ctx context.Context, saveDir string) error {
	requested := false
	for _, m := range p.allModalities() {
		requested = requested || m.BET()
	}
	downstream := p.requiresDefacing() && (p.defacer == nil || p.defacer.RequiresBrainExtraction())

	if !requested && !downstream {
		p.log.Info("skipping brain extraction")
		return nil
	}
	if downstream && !requested {
		p.log.Info("starting brain extraction for downstream defacing")
	} else {
		p.log.Info("starting brain extraction")
	}

	betDir := filepath.Join(p.tempDir, "brain-extraction")
	if err := os.MkdirAll(betDir, 0o755); err != nil {
		return err
	}

	if p.extractor == nil {
		p.log.Warn("brain extraction required but no extractor provided, using default HD-BET")
		p.extractor = engines.NewHDBetExtractor()
	}

	masked := filepath.Join(betDir, fmt.Sprintf("atlas_bet_%s.nii.gz", p.center.Name))
	mask := filepath.Join(betDir, fmt.Sprintf("atlas_bet_%s_mask.nii.gz", p.center.Name))
	p.log.Info("extracting brain region", "modality", p.center.Name)
	if err := p.extractor.Extract(ctx, p.center.Current, masked, mask, p.device, p.extractionMode); err != nil {
		return fmt.Errorf("modality %s: %w", p.center.Name, err)
	}
	if err := p.center.Advance(modality.StageBET, masked); err != nil {
		return err
	}
	p.brainMask = mask
	if err := p.center.SaveMask(mask, p.center.BetMaskOutput); err != nil {
		return err
	}

	for _, m := range p.moving {
		p.log.Info("applying brain mask", "modality", m.Name)
		out := filepath.Join(betDir, fmt.Sprintf("brain_masked__%s.nii.gz", m.Name))
		if err := p.extractor.ApplyMask(ctx, m.Current, mask, out); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageBET, out); err != nil {
			return err
		}
	}

	if err := saveOutput(betDir, saveDir); err != nil {
		return err
	}

	p.log.Info("saving brain extracted images")
	for _, m := range p.allModalities() {
		if m.RawBetOutput != "" {
			if err := m.SaveCurrent(m.RawBetOutput, false); err != nil {
				return err
			}
		}
		if m.NormalizedBetOutput != "" {
			if err := m.SaveCurrent(m.NormalizedBetOutput, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// runDefacing computes one deface mask from the center's brain-extracted
// reference and applies it to every modality's skull image.
func (p *Preprocessor) runDefacing(ctx context.Context, saveDir string) error {
	if !p.requiresDefacing() {
		p.log.Info("skipping optional defacing")
		return nil
	}

	defaceDir := filepath.Join(p.tempDir, "deface")
	if err := os.MkdirAll(defaceDir, 0o755); err != nil {
		return err
	}

	if p.defacer == nil {
		p.log.Warn("defacing requested but no defacer provided, using default Quickshear")
		p.defacer = engines.NewQuickshearDefacer()
	}

	reference := p.center.Steps[modality.StageBET]
	if reference == "" {
		if p.defacer.RequiresBrainExtraction() {
			return fmt.Errorf("defacer %s needs a brain-extracted reference but no brain extraction artifact exists for %s", p.defacer.Name(), p.center.Name)
		}
		reference = p.center.Current
	}

	p.log.Info("computing deface mask", "modality", p.center.Name, "defacer", p.defacer.Name())
	mask := filepath.Join(defaceDir, fmt.Sprintf("deface_mask_%s.nii.gz", p.center.Name))
	if p.refineDefaceMask {
		if err := p.computeRefinedMask(ctx, defaceDir, reference, mask); err != nil {
			return err
		}
	} else if err := p.defacer.Deface(ctx, reference, mask); err != nil {
		return fmt.Errorf("modality %s: %w", p.center.Name, err)
	}
	if err := p.center.SaveMask(mask, p.center.DefaceMaskOutput); err != nil {
		return err
	}

	for _, m := range p.allModalities() {
		p.log.Info("applying deface mask", "modality", m.Name)
		defaced := filepath.Join(defaceDir, fmt.Sprintf("defaced__%s.nii.gz", m.Name))
		if err := p.defacer.ApplyMask(ctx, skullArtifact(m), mask, defaced, nil); err != nil {
			return fmt.Errorf("modality %s: %w", m.Name, err)
		}
		if err := m.Advance(modality.StageDefaced, defaced); err != nil {
			return err
		}
	}

	if err := saveOutput(defaceDir, saveDir); err != nil {
		return err
	}

	p.log.Info("saving defaced images")
	for _, m := range p.allModalities() {
		if m.RawDefacedOutput != "" {
			if err := m.SaveCurrent(m.RawDefacedOutput, false); err != nil {
				return err
			}
		}
		if m.NormalizedDefacedOutput != "" {
			if err := m.SaveCurrent(m.NormalizedDefacedOutput, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeRefinedMask re-registers the brain-extracted reference to the
// atlas, computes the mask on the tighter alignment, and maps it back
// through the inverse transform.
func (p *Preprocessor) computeRefinedMask(ctx context.Context, defaceDir, reference, mask string) error {
	refined := filepath.Join(defaceDir, "refine_registered.nii.gz")
	matrix := filepath.Join(defaceDir, "refine"+p.registrator.MatrixExtension())
	if err := p.registrator.Register(ctx, p.atlasPath, reference, refined, matrix); err != nil {
		return fmt.Errorf("refine registration: %w", err)
	}

	atlasMask := filepath.Join(defaceDir, "refine_mask.nii.gz")
	if err := p.defacer.Deface(ctx, refined, atlasMask); err != nil {
		return fmt.Errorf("refine deface: %w", err)
	}

	// Nearest-neighbour style sampling keeps the mask binary; each
	// backend's default resampler already is.
	if err := p.registrator.InverseTransform(ctx, reference, atlasMask, mask, []string{matrix}, ""); err != nil {
		return fmt.Errorf("refine inverse transform: %w", err)
	}
	return nil
}

// skullArtifact returns the latest artifact that still includes the skull,
// so deface masks are applied to a non-stripped image.
func skullArtifact(m *modality.Modality) string {
	stages := []modality.Stage{
		modality.StageN4BiasCorrected,
		modality.StageAtlasCorrected,
		modality.StageAtlasRegistered,
		modality.StageCoregistered,
	}
	for _, s := range stages {
		if m.Steps[s] != "" {
			return m.Steps[s]
		}
	}
	return m.Steps[modality.StageInput]
}

// saveTransformations copies every recorded matrix into one subdirectory
// per modality, prefixed with the stage index so a lexical sort recovers
// stage order.
func (p *Preprocessor) saveTransformations(saveDir string) error {
	if saveDir == "" {
		return nil
	}
	p.log.Info("saving transformation matrices", "dir", saveDir)
	for _, m := range p.allModalities() {
		modalityDir := filepath.Join(saveDir, m.Name)
		if err := os.MkdirAll(modalityDir, 0o755); err != nil {
			return err
		}
		for _, entry := range m.TransformChain() {
			dst := filepath.Join(modalityDir, fmt.Sprintf("%d_%s", int(entry.Stage), filepath.Base(entry.Matrix)))
			if err := copyFile(entry.Matrix, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveOutput mirrors a stage working directory into saveDir when set.
func saveOutput(src, saveDir string) error {
	if saveDir == "" {
		return nil
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(saveDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
