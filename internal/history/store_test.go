package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/torosent/chatload/internal/history"
	"github.com/torosent/chatload/internal/metrics"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsRunsAndWindows(t *testing.T) {
	store := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		err := store.WriteSummary(metrics.Summary{
			Kind:     metrics.KindWindow,
			RunID:    "run-a",
			Window:   i,
			End:      base.Add(time.Duration(i) * time.Minute),
			Requests: 10,
		})
		if err != nil {
			t.Fatalf("WriteSummary(window %d) error = %v", i, err)
		}
	}
	util := 61.5
	run := metrics.Summary{
		Kind:              metrics.KindRun,
		RunID:             "run-a",
		Start:             base,
		End:               base.Add(3 * time.Minute),
		Requests:          30,
		Failures:          2,
		Throttled:         1,
		RPM:               10,
		E2EP95Ms:          1200,
		GenTPM:            5000,
		DeploymentUtilAvg: &util,
		Errors:            map[string]int64{"HTTP 429": 1},
	}
	if err := store.WriteSummary(run); err != nil {
		t.Fatalf("WriteSummary(run) error = %v", err)
	}

	runs, err := store.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Runs() returned %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.RunID != "run-a" || got.Requests != 30 || got.Failures != 2 || got.Throttled != 1 {
		t.Errorf("run = %+v", got)
	}
	if got.Windows != 3 {
		t.Errorf("Windows = %d, want 3", got.Windows)
	}
	if !got.Start.Equal(base) || !got.End.Equal(run.End) {
		t.Errorf("times = %v..%v, want %v..%v", got.Start, got.End, base, run.End)
	}
	if got.Summary.DeploymentUtilAvg == nil || *got.Summary.DeploymentUtilAvg != util {
		t.Errorf("summary utilization = %v, want %v", got.Summary.DeploymentUtilAvg, util)
	}
	if got.Summary.Errors["HTTP 429"] != 1 {
		t.Errorf("summary errors = %v", got.Summary.Errors)
	}
}

func TestStoreRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		err := store.WriteSummary(metrics.Summary{
			Kind:  metrics.KindRun,
			RunID: id,
			Start: base,
			End:   base.Add(time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("WriteSummary(%s) error = %v", id, err)
		}
	}

	runs, err := store.Runs(context.Background(), 2)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "new" || runs[1].RunID != "mid" {
		t.Fatalf("Runs() = %+v, want new then mid", runs)
	}
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.WriteSummary(metrics.Summary{Kind: metrics.KindRun, RunID: "persisted"}); err != nil {
		t.Fatalf("WriteSummary() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := history.Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	runs, err := reopened.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "persisted" {
		t.Fatalf("Runs() = %+v", runs)
	}
}
