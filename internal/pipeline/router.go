package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"neuroprep/internal/config"
	"neuroprep/internal/engines"
	"neuroprep/internal/fsutil"
	"neuroprep/internal/logging"
	"neuroprep/internal/modality"
	"neuroprep/internal/normalize"
	"neuroprep/internal/preprocessor"
	"neuroprep/internal/storage"
	"neuroprep/internal/transform"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config
	mgr   *engines.Manager

	newRunner runnerFactory
	applyFn   applyFunc
}

// subjectRunner executes one subject's preprocessing.
type subjectRunner interface {
	Run(ctx context.Context, dirs preprocessor.SaveDirs) error
	Cleanup()
}

type runnerFactory func(center *modality.CenterModality, moving []*modality.Modality, atlasPath string, opts preprocessor.Options) (subjectRunner, error)

type applyFunc func(ctx context.Context, dir string, registrator engines.Registrator, logger *slog.Logger, modalityName, target, moving, output, interpolator string, inverse bool) error

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	mgr := engines.NewManager(engines.Preferences{
		Registration: engines.Preference{
			Preferred: cfg.Engines.Registration.Preferred,
			Fallbacks: cfg.Engines.Registration.Fallbacks,
		},
		BrainExtraction: engines.Preference{
			Preferred: cfg.Engines.BrainExtraction.Preferred,
			Fallbacks: cfg.Engines.BrainExtraction.Fallbacks,
		},
		BiasCorrection: engines.Preference{
			Preferred: cfg.Engines.BiasCorrection.Preferred,
		},
	})
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		mgr:   mgr,
		newRunner: func(center *modality.CenterModality, moving []*modality.Modality, atlasPath string, opts preprocessor.Options) (subjectRunner, error) {
			return preprocessor.New(center, moving, atlasPath, opts)
		},
		applyFn: func(ctx context.Context, dir string, registrator engines.Registrator, logger *slog.Logger, modalityName, target, moving, output, interpolator string, inverse bool) error {
			tr, err := transform.New(dir, registrator, logger)
			if err != nil {
				return err
			}
			return tr.Apply(ctx, modalityName, target, moving, output, interpolator, inverse)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobPreprocess:
		return r.handlePreprocess(ctx, job)
	case JobTransform:
		return r.handleTransform(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// centerPreference lists modality names that make a good registration
// anchor, best first. T1-weighted images carry the most anatomical detail.
var centerPreference = []string{"t1", "t1c", "t1ce", "t1gd"}

func pickCenter(volumes []string, requested string) (string, error) {
	if requested != "" {
		for _, v := range volumes {
			if fsutil.VolumeName(v) == requested {
				return v, nil
			}
		}
		return "", fmt.Errorf("requested center modality %q not found", requested)
	}
	for _, want := range centerPreference {
		for _, v := range volumes {
			if strings.EqualFold(fsutil.VolumeName(v), want) {
				return v, nil
			}
		}
	}
	return volumes[0], nil
}

func (r *router) handlePreprocess(ctx context.Context, job Job) Result {
	volumes, err := fsutil.ListVolumes(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(volumes) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no NIfTI volumes in %s", job.InputPath)}
	}

	atlasPath := getStringOption(job.Options, "atlas")
	if atlasPath == "" {
		atlasPath = r.cfg.Processing.AtlasPath
	}
	if atlasPath == "" {
		return Result{Job: job, Error: fmt.Errorf("no atlas configured for run %s", job.ID)}
	}

	centerVol, err := pickCenter(volumes, getStringOption(job.Options, "center"))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	bet := getBoolOption(job.Options, "bet")
	deface := getBoolOption(job.Options, "deface")
	normalized := getBoolOption(job.Options, "normalized")
	atlasCorrection := r.cfg.Processing.AtlasCorrection
	if v, ok := job.Options["atlasCorrection"].(bool); ok {
		atlasCorrection = v
	}
	biasCorrection := r.cfg.Processing.BiasCorrection
	if v, ok := job.Options["biasCorrection"].(bool); ok {
		biasCorrection = v
	}

	center := modality.NewCenter(fsutil.VolumeName(centerVol), centerVol)
	var moving []*modality.Modality
	for _, v := range volumes {
		if v == centerVol {
			continue
		}
		moving = append(moving, modality.New(fsutil.VolumeName(v), v))
	}

	all := append([]*modality.Modality{&center.Modality}, moving...)
	for _, m := range all {
		requestOutputs(m, job.Output, bet, deface, normalized)
		m.AtlasCorrection = atlasCorrection
		m.N4BiasCorrection = biasCorrection
	}
	if bet || deface {
		center.BetMaskOutput = filepath.Join(job.Output, "masks", center.Name+"_brain_mask.nii.gz")
	}
	if deface {
		center.DefaceMaskOutput = filepath.Join(job.Output, "masks", center.Name+"_deface_mask.nii.gz")
	}

	device := engines.Device(r.cfg.Processing.Device)
	if d := getStringOption(job.Options, "device"); d != "" {
		device = engines.Device(d)
	}

	opts := preprocessor.Options{
		Registrator:      r.selectRegistrator(getStringOption(job.Options, "engine")),
		BrainExtractor:   r.selectBrainExtractor(),
		Defacer:          r.defacer(),
		BiasCorrector:    r.biasCorrector(),
		Device:           device,
		ExtractionMode:   r.cfg.Engines.BrainExtraction.Mode,
		Interpolator:     r.cfg.Engines.Registration.Interpolator,
		RefineDefaceMask: getBoolOption(job.Options, "refineDefaceMask"),
		TempDir:          r.cfg.Processing.TempDir,
		Logger:           r.log,
	}
	if opts.TempDir != "" {
		opts.TempDir = filepath.Join(opts.TempDir, "neuroprep-"+job.ID)
	}

	movingNames := make([]string, len(moving))
	for i, m := range moving {
		movingNames[i] = m.Name
	}
	logging.LogRunStart(r.log, job.ID, center.Name, movingNames, string(device))

	runner, err := r.newRunner(center, moving, atlasPath, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer runner.Cleanup()

	dirs := preprocessor.SaveDirs{
		Transformations: filepath.Join(job.Output, "transformations"),
	}
	if getBoolOption(job.Options, "saveStages") {
		stages := filepath.Join(job.Output, "stages")
		dirs.Coregistration = filepath.Join(stages, "coregistration")
		dirs.AtlasRegistration = filepath.Join(stages, "atlas_registration")
		dirs.AtlasCorrection = filepath.Join(stages, "atlas_correction")
		dirs.BiasCorrection = filepath.Join(stages, "bias_correction")
		dirs.BrainExtraction = filepath.Join(stages, "brain_extraction")
		dirs.Defacing = filepath.Join(stages, "defacing")
	}

	runErr := runner.Run(ctx, dirs)

	// Completed stages are recorded even when a later stage failed, so
	// the ledger shows how far the run got.
	r.recordStages(job.ID, all)

	meta := map[string]any{
		"center":     center.Name,
		"modalities": len(all),
		"bet":        bet,
		"deface":     deface,
	}
	return Result{Job: job, Error: runErr, Meta: meta}
}

func requestOutputs(m *modality.Modality, outDir string, bet, deface, normalized bool) {
	file := m.Name + ".nii.gz"
	m.RawSkullOutput = filepath.Join(outDir, "skull", file)
	if bet {
		m.RawBetOutput = filepath.Join(outDir, "brain", file)
	}
	if deface {
		m.RawDefacedOutput = filepath.Join(outDir, "defaced", file)
	}
	if normalized {
		m.Normalizer = normalize.NewPercentile()
		m.NormalizedSkullOutput = filepath.Join(outDir, "skull_normalized", file)
		if bet {
			m.NormalizedBetOutput = filepath.Join(outDir, "brain_normalized", file)
		}
		if deface {
			m.NormalizedDefacedOutput = filepath.Join(outDir, "defaced_normalized", file)
		}
	}
}

// selectRegistrator resolves the registration backend. An explicit engine
// name wins; otherwise the first available backend in preference order is
// used. Returning nil lets the preprocessor fall back to its default.
func (r *router) selectRegistrator(name string) engines.Registrator {
	if name != "" {
		reg, err := r.mgr.Registrator(name)
		if err != nil {
			r.log.Warn("ignoring unknown registration engine", "engine", name, "error", err)
		} else {
			return reg
		}
	}
	reg, err := r.mgr.SelectRegistrator()
	if err != nil {
		r.log.Warn("no registration engine available", "error", err)
		return nil
	}
	return reg
}

func (r *router) selectBrainExtractor() engines.BrainExtractor {
	e, err := r.mgr.SelectBrainExtractor()
	if err != nil {
		r.log.Warn("no brain extraction engine available", "error", err)
		return nil
	}
	return e
}

func (r *router) defacer() engines.Defacer {
	d := engines.NewQuickshearDefacer()
	if b := r.cfg.Engines.Defacing.Buffer; b > 0 {
		d.Buffer = b
	}
	return d
}

func (r *router) biasCorrector() engines.N4BiasCorrector {
	c, err := r.mgr.N4BiasCorrector(r.cfg.Engines.BiasCorrection.Preferred)
	if err != nil {
		return nil
	}
	return c
}

func (r *router) recordStages(runID string, mods []*modality.Modality) {
	for _, m := range mods {
		for _, s := range modality.Stages() {
			if m.Steps[s] == "" {
				continue
			}
			logging.LogStage(r.log, runID, s.String(), m.Name, "completed")
			_ = r.store.RecordStageEvent(storage.StageEvent{
				RunID:    runID,
				Modality: m.Name,
				Stage:    s.String(),
				Status:   "completed",
				Artifact: m.Steps[s],
			})
		}
	}
}

func (r *router) handleTransform(ctx context.Context, job Job) Result {
	dir := getStringOption(job.Options, "transformations")
	if dir == "" {
		return Result{Job: job, Error: fmt.Errorf("transformations directory required")}
	}
	target := getStringOption(job.Options, "target")
	if target == "" {
		return Result{Job: job, Error: fmt.Errorf("target image required")}
	}
	name := getStringOption(job.Options, "modality")
	if name == "" {
		return Result{Job: job, Error: fmt.Errorf("modality name required")}
	}
	inverse := getBoolOption(job.Options, "inverse")
	interpolator := getStringOption(job.Options, "interpolator")

	engineName := getStringOption(job.Options, "engine")
	if engineName == "" {
		engineName = r.cfg.Engines.Registration.Preferred
	}
	registrator, err := r.mgr.Registrator(engineName)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	err = r.applyFn(ctx, dir, registrator, r.log, name, target, job.InputPath, job.Output, interpolator, inverse)

	direction := "forward"
	if inverse {
		direction = "inverse"
	}
	meta := map[string]any{
		"modality":  name,
		"direction": direction,
		"output":    job.Output,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// Helper functions to safely extract typed options from job.Options.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}
