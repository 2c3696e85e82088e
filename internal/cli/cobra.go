package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"neuroprep/internal/config"
	"neuroprep/internal/logging"
	"neuroprep/internal/pipeline"
	"neuroprep/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "neuroprep",
		Short: "neuroprep preprocesses multi-modality brain MRI",
		Long: `neuroprep runs brain MRI preprocessing for one subject at a time:
coregistration to a center modality, registration to a standard atlas,
optional bias correction, brain extraction and defacing. Transform chains
are persisted so results can be mapped between spaces afterwards.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newTransformCmd(root))
	rootCmd.AddCommand(newEnginesCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		output          string
		atlas           string
		center          string
		engine          string
		device          string
		bet             bool
		deface          bool
		refineDeface    bool
		normalized      bool
		saveStages      bool
		atlasCorrection bool
		biasCorrection  bool
	)

	cmd := &cobra.Command{
		Use:   "run <subject_directory> [output_directory]",
		Short: "Preprocess one subject directory",
		Long: `Preprocess all NIfTI volumes in a subject directory. The center
modality is picked automatically (T1 preferred) unless --center names one.

Examples:
  # Atlas-registered skull images only
  neuroprep run /data/sub-01 /data/out/sub-01

  # Brain-extracted and defaced outputs as well
  neuroprep run /data/sub-01 /data/out/sub-01 --bet --deface`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}

			options := map[string]any{
				"bet":              bet,
				"deface":           deface,
				"refineDefaceMask": refineDeface,
				"normalized":       normalized,
				"saveStages":       saveStages,
			}
			if atlas != "" {
				options["atlas"] = atlas
			}
			if center != "" {
				options["center"] = center
			}
			if engine != "" {
				options["engine"] = engine
			}
			if device != "" {
				options["device"] = device
			}
			if cmd.Flags().Changed("atlas-correction") {
				options["atlasCorrection"] = atlasCorrection
			}
			if cmd.Flags().Changed("bias-correction") {
				options["biasCorrection"] = biasCorrection
			}

			job := pipeline.Job{
				ID:        uuid.NewString(),
				Type:      pipeline.JobPreprocess,
				Subject:   filepath.Base(input),
				InputPath: input,
				Output:    output,
				Options:   options,
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&atlas, "atlas", "", "atlas image (default from config)")
	cmd.Flags().StringVar(&center, "center", "", "center modality name (default: T1 if present)")
	cmd.Flags().StringVar(&engine, "engine", "", "registration engine: ants, niftyreg, greedy")
	cmd.Flags().StringVar(&device, "device", "", "computation device: gpu, cpu")
	cmd.Flags().BoolVar(&bet, "bet", false, "write brain-extracted outputs")
	cmd.Flags().BoolVar(&deface, "deface", false, "write defaced outputs")
	cmd.Flags().BoolVar(&refineDeface, "refine-deface-mask", false, "re-register the brain-extracted center before defacing")
	cmd.Flags().BoolVar(&normalized, "normalized", false, "also write percentile-normalized outputs")
	cmd.Flags().BoolVar(&saveStages, "save-stages", false, "keep per-stage working directories")
	cmd.Flags().BoolVar(&atlasCorrection, "atlas-correction", false, "refine atlas alignment against the center")
	cmd.Flags().BoolVar(&biasCorrection, "bias-correction", false, "apply N4 bias field correction")

	return cmd
}

func newTransformCmd(root *Root) *cobra.Command {
	var (
		transformations string
		target          string
		modalityName    string
		engine          string
		interpolator    string
		inverse         bool
	)

	cmd := &cobra.Command{
		Use:   "transform <moving_image> <output_image>",
		Short: "Replay a persisted transform chain on an image",
		Long: `Map an image between a modality's native space and atlas space using
the transform chain persisted by a preprocessing run. With --inverse the
chain is reversed and inverted, pulling atlas-space data (for example a
segmentation) back onto the original scan grid.

Example:
  neuroprep transform seg_atlas.nii.gz seg_native.nii.gz \
    --transformations /data/out/sub-01/transformations \
    --modality t2 --target /data/sub-01/t2.nii.gz --inverse`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{
				"transformations": transformations,
				"target":          target,
				"modality":        modalityName,
				"inverse":         inverse,
			}
			if engine != "" {
				options["engine"] = engine
			}
			if interpolator != "" {
				options["interpolator"] = interpolator
			}

			job := pipeline.Job{
				ID:        uuid.NewString(),
				Type:      pipeline.JobTransform,
				InputPath: args[0],
				Output:    args[1],
				Options:   options,
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&transformations, "transformations", "", "transformations directory from a preprocessing run")
	cmd.Flags().StringVar(&target, "target", "", "fixed image defining the output grid")
	cmd.Flags().StringVar(&modalityName, "modality", "", "modality whose chain to replay")
	cmd.Flags().StringVar(&engine, "engine", "", "registration engine to resample with")
	cmd.Flags().StringVar(&interpolator, "interpolator", "", "interpolator override (backend specific)")
	cmd.Flags().BoolVar(&inverse, "inverse", false, "apply the inverted chain (atlas to native)")
	cmd.MarkFlagRequired("transformations")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("modality")

	return cmd
}

func newEnginesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "Report availability of external engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.newManager().EngineStatus()
			names := make([]string, 0, len(status))
			for name := range status {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				st := status[name]
				logging.LogEngineStatus(root.log, name, st.Available, st.Path, st.Err)
				if st.Available {
					if st.Path == "" {
						cmd.Printf("%-12s available (native)\n", name)
					} else {
						cmd.Printf("%-12s available  %s\n", name, st.Path)
					}
					continue
				}
				cmd.Printf("%-12s unavailable (%v)\n", name, st.Err)
			}
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchDirs  []string
		output     string
		settleSecs int
		bet        bool
		deface     bool
		normalized bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch intake directories and serve run status",
		Long: `Start service mode: watch intake directories for new subject folders,
preprocess each one once it has settled, and serve the run ledger over
HTTP with a live websocket event stream.

Example:
  neuroprep serve --watch /data/incoming --output /data/out --bet --deface`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(watchDirs) == 0 {
				watchDirs = root.cfg.Service.WatchDirs
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if settleSecs == 0 {
				settleSecs = root.cfg.Service.SettleSeconds
			}
			if addr == "" {
				addr = root.cfg.Service.ListenAddr
			}

			if len(watchDirs) > 0 {
				options := map[string]any{
					"bet":        bet,
					"deface":     deface,
					"normalized": normalized,
				}
				w, err := root.newWatcher(watchDirs, time.Duration(settleSecs)*time.Second, output, options, root.pipeline, root.log)
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
			} else {
				root.log.Info("no watch directories configured, serving status only")
			}

			return root.serveFn(ctx, addr, root.store, root.pipeline, root.newManager(), root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "listen", "", "status server address (default from config)")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", nil, "intake directories to monitor")
	cmd.Flags().StringVar(&output, "output", "", "output root, one subfolder per subject")
	cmd.Flags().IntVar(&settleSecs, "settle", 0, "quiet seconds before a subject is submitted")
	cmd.Flags().BoolVar(&bet, "bet", false, "write brain-extracted outputs for watched subjects")
	cmd.Flags().BoolVar(&deface, "deface", false, "write defaced outputs for watched subjects")
	cmd.Flags().BoolVar(&normalized, "normalized", false, "also write normalized outputs for watched subjects")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(versionString())
		},
	}
}

var version = "1.0.0-dev"

func versionString() string {
	return fmt.Sprintf("neuroprep v%s", version)
}
