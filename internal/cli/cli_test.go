package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"neuroprep/internal/config"
	"neuroprep/internal/engines"
	"neuroprep/internal/pipeline"
	"neuroprep/internal/storage"
	"neuroprep/internal/watcher"

	"github.com/spf13/cobra"
)

// fakePipeline accepts jobs and answers each one immediately.
type fakePipeline struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	fail error
	subs []chan pipeline.Result
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.fail}
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	ch := make(chan pipeline.Result, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakePipeline) lastJob(t *testing.T) pipeline.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatalf("no job submitted")
	}
	return f.jobs[len(f.jobs)-1]
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()
	fake := &fakePipeline{}
	root := NewRoot(nil, config.Default(), slog.Default(), nil)
	root.pipeline = fake
	return root, fake
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommandSubmitsPreprocessJob(t *testing.T) {
	root, fake := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "sub-01")
	output := t.TempDir()

	_, err := execute(t, newRunCmd(root), input, output,
		"--bet", "--deface", "--center", "t1", "--atlas", "/atlas/sri24.nii.gz", "--bias-correction")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	job := fake.lastJob(t)
	if job.Type != pipeline.JobPreprocess {
		t.Fatalf("unexpected job type %s", job.Type)
	}
	if job.ID == "" {
		t.Fatalf("expected a generated run id")
	}
	if job.Subject != "sub-01" || job.InputPath != input || job.Output != output {
		t.Fatalf("unexpected job paths %+v", job)
	}
	if v, _ := job.Options["bet"].(bool); !v {
		t.Fatalf("expected bet option set")
	}
	if job.Options["center"] != "t1" || job.Options["atlas"] != "/atlas/sri24.nii.gz" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if v, ok := job.Options["biasCorrection"].(bool); !ok || !v {
		t.Fatalf("expected explicit bias correction flag to be forwarded")
	}
	if _, ok := job.Options["atlasCorrection"]; ok {
		t.Fatalf("untouched flags should not be forwarded")
	}
}

func TestRunCommandPropagatesFailure(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.fail = errors.New("registration failed")

	_, err := execute(t, newRunCmd(root), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "registration failed") {
		t.Fatalf("expected pipeline failure, got %v", err)
	}
}

func TestTransformCommandSubmitsJob(t *testing.T) {
	root, fake := newTestRoot(t)

	_, err := execute(t, newTransformCmd(root), "seg.nii.gz", "seg_native.nii.gz",
		"--transformations", "/out/transformations",
		"--target", "t2.nii.gz",
		"--modality", "t2",
		"--inverse")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	job := fake.lastJob(t)
	if job.Type != pipeline.JobTransform {
		t.Fatalf("unexpected job type %s", job.Type)
	}
	if job.InputPath != "seg.nii.gz" || job.Output != "seg_native.nii.gz" {
		t.Fatalf("unexpected paths %+v", job)
	}
	if job.Options["modality"] != "t2" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if v, _ := job.Options["inverse"].(bool); !v {
		t.Fatalf("expected inverse option set")
	}
}

func TestTransformCommandRequiresFlags(t *testing.T) {
	root, fake := newTestRoot(t)
	_, err := execute(t, newTransformCmd(root), "seg.nii.gz", "out.nii.gz")
	if err == nil {
		t.Fatalf("expected error for missing required flags")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.jobs) != 0 {
		t.Fatalf("no job should have been submitted")
	}
}

func TestEnginesCommandReportsNativeDefacer(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, newEnginesCmd(root))
	if err != nil {
		t.Fatalf("engines failed: %v", err)
	}
	if !strings.Contains(out, "quickshear") || !strings.Contains(out, "available (native)") {
		t.Fatalf("expected quickshear reported as native, got:\n%s", out)
	}
	if !strings.Contains(out, "ants") {
		t.Fatalf("expected ants in report, got:\n%s", out)
	}
}

type stubWatcher struct {
	started int
	stopped int
}

func (s *stubWatcher) Start() error { s.started++; return nil }
func (s *stubWatcher) Stop() error  { s.stopped++; return nil }

func TestServeStartsWatcherAndServer(t *testing.T) {
	root, _ := newTestRoot(t)

	stub := &stubWatcher{}
	var gotRoots []string
	var gotSettle time.Duration
	root.newWatcher = func(roots []string, settle time.Duration, outDir string, options map[string]any, submit watcher.Submitter, logger *slog.Logger) (subjectWatcher, error) {
		gotRoots = roots
		gotSettle = settle
		return stub, nil
	}

	var gotAddr string
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, mgr *engines.Manager, log *slog.Logger) error {
		gotAddr = addr
		return nil
	}

	intake := t.TempDir()
	_, err := execute(t, newServeCmd(root),
		"--watch", intake, "--output", t.TempDir(), "--settle", "5", "--listen", ":9999")
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if stub.started != 1 || stub.stopped != 1 {
		t.Fatalf("expected watcher started and stopped, got %d/%d", stub.started, stub.stopped)
	}
	if len(gotRoots) != 1 || gotRoots[0] != intake {
		t.Fatalf("unexpected watch roots %v", gotRoots)
	}
	if gotSettle != 5*time.Second {
		t.Fatalf("unexpected settle %s", gotSettle)
	}
	if gotAddr != ":9999" {
		t.Fatalf("unexpected listen address %s", gotAddr)
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, newVersionCmd(root))
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "neuroprep v") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigShowPrintsSettings(t *testing.T) {
	root, _ := newTestRoot(t)
	cmd := newConfigCmd(root)
	out, err := execute(t, cmd, "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "Config file:") || !strings.Contains(out, `"registration"`) {
		t.Fatalf("unexpected config output:\n%s", out)
	}
}

func TestConfigInitWritesDefaults(t *testing.T) {
	root, _ := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := execute(t, newConfigCmd(root), "init", "--path", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}

	t.Setenv("NEUROPREP_CONFIG", path)
	loaded, err := config.Load()
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if loaded.Engines.Registration.Preferred != "ants" {
		t.Fatalf("unexpected loaded config %+v", loaded.Engines.Registration)
	}

	if _, err := execute(t, newConfigCmd(root), "init", "--path", path); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}
