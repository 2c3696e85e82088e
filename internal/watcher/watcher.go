// Package watcher monitors intake directories for new subject folders and
// submits each one for preprocessing once it has settled: no filesystem
// activity for a configurable quiet period. Scanners and transfer tools
// write volumes incrementally, so submitting on the first event would hand
// the pipeline a half-copied subject.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"neuroprep/internal/fsutil"
	"neuroprep/internal/pipeline"
)

// Submitter accepts jobs; satisfied by pipeline.Pipeline.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher turns settled subject directories into preprocess jobs.
type Watcher struct {
	fsw     *fsnotify.Watcher
	submit  Submitter
	log     *slog.Logger
	roots   []string
	settle  time.Duration
	outDir  string
	options map[string]any

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	stopped bool
}

// New creates a watcher over the given intake roots. Each first-level
// subdirectory of a root is treated as one subject. Output for a subject
// goes to outDir/<subject>; options are passed through to every job.
func New(roots []string, settle time.Duration, outDir string, options map[string]any, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("watcher: no directories to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		submit:  submit,
		log:     logger,
		roots:   roots,
		settle:  settle,
		outDir:  outDir,
		options: options,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the roots and begins processing events. Subject
// directories already present at startup are scheduled immediately.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		if err := w.fsw.Add(root); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", root, err)
		}
		w.log.Info("watching intake directory", "dir", root)

		entries, err := os.ReadDir(root)
		if err != nil {
			return fmt.Errorf("watcher: scan %s: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				w.track(filepath.Join(root, e.Name()))
			}
		}
	}
	go w.loop()
	return nil
}

// Stop cancels pending subjects and shuts the watcher down.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	for dir, timer := range w.pending {
		timer.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	subject := w.subjectFor(event.Name)
	if subject == "" {
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && event.Name == subject {
		w.mu.Lock()
		if timer, ok := w.pending[subject]; ok {
			timer.Stop()
			delete(w.pending, subject)
		}
		w.mu.Unlock()
		return
	}

	// Watches are not recursive: a new subject directory must be added
	// explicitly so writes inside it keep resetting the settle timer.
	if event.Op&fsnotify.Create != 0 && event.Name == subject {
		if info, err := os.Stat(subject); err == nil && info.IsDir() {
			_ = w.fsw.Add(subject)
		}
	}

	w.track(subject)
}

// subjectFor maps an event path to its subject directory: the first-level
// child of a watched root. Events on the root itself or on files dropped
// directly into it map to nothing.
func (w *Watcher) subjectFor(path string) string {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.Split(filepath.ToSlash(rel), "/")[0]
		subject := filepath.Join(root, first)
		if subject == path {
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return ""
			}
		}
		return subject
	}
	return ""
}

// track starts or resets the subject's settle timer.
func (w *Watcher) track(subject string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.pending[subject]; ok {
		timer.Reset(w.settle)
		return
	}
	_ = w.fsw.Add(subject)
	w.log.Info("tracking subject directory", "dir", subject, "settle", w.settle)
	w.pending[subject] = time.AfterFunc(w.settle, func() {
		w.dispatch(subject)
	})
}

func (w *Watcher) dispatch(subject string) {
	w.mu.Lock()
	delete(w.pending, subject)
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	volumes, err := fsutil.ListVolumes(subject)
	if err != nil || len(volumes) == 0 {
		w.log.Warn("skipping settled directory without volumes", "dir", subject, "error", err)
		return
	}

	name := filepath.Base(subject)
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobPreprocess,
		Subject:   name,
		InputPath: subject,
		Output:    filepath.Join(w.outDir, name),
		Options:   w.options,
	}
	w.log.Info("subject settled, submitting",
		"subject", name,
		"run", job.ID,
		"volumes", len(volumes),
	)
	if err := w.submit.Submit(job); err != nil {
		w.log.Error("submit failed", "subject", name, "error", err)
	}
}
