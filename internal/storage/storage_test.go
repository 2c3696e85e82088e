package storage

import (
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "neuroprep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	rec := RunRecord{
		ID:        "run-1",
		JobType:   "preprocess",
		Status:    "queued",
		Subject:   "sub-01",
		InputPath: "/data/sub-01",
	}
	if err := s.RecordRunQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", "completed", map[string]any{"modalities": 3.0}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.Status != "completed" || got.Subject != "sub-01" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}

	meta, err := s.RunMeta("run-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["modalities"] != 3.0 {
		t.Errorf("meta = %v", meta)
	}
}

func TestStageEventsOrdered(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunQueued(RunRecord{ID: "run-2", JobType: "preprocess", Status: "queued"}); err != nil {
		t.Fatal(err)
	}

	events := []StageEvent{
		{RunID: "run-2", Modality: "T2", Stage: "coregistered", Status: "completed", Artifact: "/w/co.nii.gz"},
		{RunID: "run-2", Modality: "T1", Stage: "atlas_registered", Status: "completed"},
		{RunID: "run-2", Modality: "T1", Stage: "bet", Status: "failed"},
	}
	for _, ev := range events {
		if err := s.RecordStageEvent(ev); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	got, err := s.StageEvents("run-2")
	if err != nil {
		t.Fatalf("stage events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordRunQueued(RunRecord{ID: "x"}); err != nil {
		t.Errorf("nil store queue: %v", err)
	}
	if err := s.RecordStageEvent(StageEvent{RunID: "x"}); err != nil {
		t.Errorf("nil store event: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Error("nil store query must error")
	}
}
