package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"log/slog"

	"neuroprep/internal/pipeline"
)

type stubSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (s *stubSubmitter) Submit(job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *stubSubmitter) snapshot() []pipeline.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Job(nil), s.jobs...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met within %s", timeout)
}

func writeVolume(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherSubmitsSettledSubject(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	sub := &stubSubmitter{}

	w, err := New([]string{root}, 50*time.Millisecond, out, map[string]any{"bet": true}, sub, slog.Default())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeVolume(t, filepath.Join(root, "sub-01", "t1.nii.gz"))
	writeVolume(t, filepath.Join(root, "sub-01", "t2.nii.gz"))

	waitFor(t, 5*time.Second, func() bool { return len(sub.snapshot()) == 1 })

	job := sub.snapshot()[0]
	if job.Type != pipeline.JobPreprocess {
		t.Fatalf("unexpected job type %s", job.Type)
	}
	if job.Subject != "sub-01" {
		t.Fatalf("unexpected subject %s", job.Subject)
	}
	if job.InputPath != filepath.Join(root, "sub-01") {
		t.Fatalf("unexpected input %s", job.InputPath)
	}
	if job.Output != filepath.Join(out, "sub-01") {
		t.Fatalf("unexpected output %s", job.Output)
	}
	if job.ID == "" {
		t.Fatalf("expected a generated run id")
	}
	if v, _ := job.Options["bet"].(bool); !v {
		t.Fatalf("expected options passed through")
	}
}

func TestWatcherPicksUpExistingSubjects(t *testing.T) {
	root := t.TempDir()
	writeVolume(t, filepath.Join(root, "sub-02", "flair.nii.gz"))

	sub := &stubSubmitter{}
	w, err := New([]string{root}, 50*time.Millisecond, t.TempDir(), nil, sub, slog.Default())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	waitFor(t, 5*time.Second, func() bool { return len(sub.snapshot()) == 1 })
	if sub.snapshot()[0].Subject != "sub-02" {
		t.Fatalf("unexpected subject %s", sub.snapshot()[0].Subject)
	}
}

func TestWatcherSkipsDirectoriesWithoutVolumes(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes", "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sub := &stubSubmitter{}
	w, err := New([]string{root}, 50*time.Millisecond, t.TempDir(), nil, sub, slog.Default())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	time.Sleep(300 * time.Millisecond)
	if got := len(sub.snapshot()); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
}

func TestSubjectForMapsEventPaths(t *testing.T) {
	root := t.TempDir()
	w := &Watcher{roots: []string{root}}

	if got := w.subjectFor(filepath.Join(root, "sub-01", "t1.nii.gz")); got != filepath.Join(root, "sub-01") {
		t.Fatalf("unexpected subject %s", got)
	}
	if got := w.subjectFor(root); got != "" {
		t.Fatalf("root should map to nothing, got %s", got)
	}
	if got := w.subjectFor(filepath.Join(filepath.Dir(root), "elsewhere", "x.nii.gz")); got != "" {
		t.Fatalf("paths outside roots should map to nothing, got %s", got)
	}

	loose := filepath.Join(root, "loose.nii.gz")
	if err := os.WriteFile(loose, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := w.subjectFor(loose); got != "" {
		t.Fatalf("files dropped into the root should map to nothing, got %s", got)
	}
}
