package web

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"log/slog"

	"neuroprep/internal/engines"
	"neuroprep/internal/storage"
)

func testServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	mgr := engines.NewManager(engines.Preferences{})
	return NewServer(":0", slog.Default(), store, nil, mgr), store
}

func TestRunsEndpointReturnsLedger(t *testing.T) {
	s, store := testServer(t)
	if err := store.RecordRunQueued(storage.RunRecord{
		ID:      "run-1",
		JobType: "preprocess",
		Status:  "queued",
		Subject: "sub-01",
	}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := store.RecordRunResult("run-1", "completed", map[string]any{"modalities": 2}, ""); err != nil {
		t.Fatalf("record result: %v", err)
	}

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var runs []runView
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Subject != "sub-01" || runs[0].Status != "completed" {
		t.Fatalf("unexpected run %+v", runs[0])
	}
}

func TestStagesEndpointReturnsRunEvents(t *testing.T) {
	s, store := testServer(t)
	events := []storage.StageEvent{
		{RunID: "run-2", Modality: "t1", Stage: "input", Status: "completed", Artifact: "t1.nii.gz"},
		{RunID: "run-2", Modality: "t1", Stage: "coregistered", Status: "completed", Artifact: "co.nii.gz"},
		{RunID: "other", Modality: "t1", Stage: "input", Status: "completed", Artifact: "x.nii.gz"},
	}
	for _, ev := range events {
		if err := store.RecordStageEvent(ev); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-2/stages", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var views []stageView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 stage events, got %d", len(views))
	}
	if views[1].Stage != "coregistered" {
		t.Fatalf("unexpected order %+v", views)
	}
}

func TestEnginesEndpointReportsAvailability(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/engines", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var views map[string]engineView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Quickshear is native and always available.
	qs, ok := views["quickshear"]
	if !ok || !qs.Available {
		t.Fatalf("expected quickshear available, got %+v", views)
	}
	if _, ok := views["ants"]; !ok {
		t.Fatalf("expected ants in engine report")
	}
}

func TestDashboardServesHTML(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Fatalf("unexpected content type %s", ct)
	}
}
