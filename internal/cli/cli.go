// Package cli wires the command line surface to the pipeline: one-shot
// preprocessing and transform runs, engine reporting, and service mode.
package cli

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"neuroprep/internal/config"
	"neuroprep/internal/engines"
	"neuroprep/internal/pipeline"
	"neuroprep/internal/storage"
	"neuroprep/internal/watcher"
	"neuroprep/internal/web"
)

// pipelineClient is the slice of pipeline.Pipeline the CLI needs.
type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, mgr *engines.Manager, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, mgr *engines.Manager, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	return web.NewServer(addr, log, store, real, mgr).Start(ctx)
}

// subjectWatcher is the slice of watcher.Watcher the serve command needs.
type subjectWatcher interface {
	Start() error
	Stop() error
}

type watcherFactory func(roots []string, settle time.Duration, outDir string, options map[string]any, submit watcher.Submitter, logger *slog.Logger) (subjectWatcher, error)

func defaultWatcher(roots []string, settle time.Duration, outDir string, options map[string]any, submit watcher.Submitter, logger *slog.Logger) (subjectWatcher, error) {
	return watcher.New(roots, settle, outDir, options, submit, logger)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	serveFn    serverFunc
	newWatcher watcherFactory
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:   pl,
		cfg:        cfg,
		log:        logger,
		store:      store,
		serveFn:    defaultServe,
		newWatcher: defaultWatcher,
	}
}

func (r *Root) newManager() *engines.Manager {
	return engines.NewManager(engines.Preferences{
		Registration: engines.Preference{
			Preferred: r.cfg.Engines.Registration.Preferred,
			Fallbacks: r.cfg.Engines.Registration.Fallbacks,
		},
		BrainExtraction: engines.Preference{
			Preferred: r.cfg.Engines.BrainExtraction.Preferred,
			Fallbacks: r.cfg.Engines.BrainExtraction.Fallbacks,
		},
		BiasCorrection: engines.Preference{
			Preferred: r.cfg.Engines.BiasCorrection.Preferred,
		},
	})
}

// enqueueAndWait submits a job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("run queued", "type", job.Type, "id", job.ID, "input", job.InputPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res.Error
			}
		}
	}
}
