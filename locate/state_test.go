package locate

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestStateTracker_RecordAndLookup(t *testing.T) {
	st := NewStateTracker()
	if st.HasReports() {
		t.Error("new tracker should have no reports")
	}

	st.Record(testReport("north", "r1", 1))
	st.Record(testReport("east", "r2", 2))
	st.Record(testReport("north", "r3", 3))
	st.Record(nil)

	if !st.HasReports() {
		t.Fatal("HasReports() = false after Record")
	}

	latest, ok := st.Latest("north")
	if !ok || latest.RunID != "r3" {
		t.Errorf("Latest(north) = %+v, %v; want r3", latest, ok)
	}
	if _, ok := st.Latest("west"); ok {
		t.Error("Latest(west) should be missing")
	}

	old, ok := st.Run("r1")
	if !ok || old.Survey != "north" {
		t.Errorf("Run(r1) = %+v, %v", old, ok)
	}
	if _, ok := st.Run("nope"); ok {
		t.Error("Run(nope) should be missing")
	}

	reports := st.Reports()
	if len(reports) != 2 || reports[0].Survey != "east" || reports[1].Survey != "north" {
		t.Errorf("Reports() = %v, want east then north", reports)
	}
}

func TestStateTracker_ReturnsCopies(t *testing.T) {
	st := NewStateTracker()
	st.Record(testReport("s", "r1", 1))

	r, _ := st.Latest("s")
	r.Survey = "changed"
	r.Pairings[0].Nearby = 99

	again, _ := st.Latest("s")
	if again.Survey != "s" || again.Pairings[0].Nearby != 2 {
		t.Errorf("stored report was mutated: %+v", again)
	}
}

func TestStateTracker_EvictionKeepsLatest(t *testing.T) {
	st := NewStateTracker()
	st.Record(testReport("quiet", "quiet-0", 0))
	for i := 0; i < maxRetainedReports+20; i++ {
		st.Record(testReport("busy", fmt.Sprintf("busy-%d", i), int64(i)))
	}

	if _, ok := st.Run("quiet-0"); !ok {
		t.Error("latest report of a survey was evicted")
	}
	if _, ok := st.Run("busy-0"); ok {
		t.Error("oldest run should have been evicted")
	}
	last := fmt.Sprintf("busy-%d", maxRetainedReports+19)
	if _, ok := st.Run(last); !ok {
		t.Errorf("newest run %s missing", last)
	}
	if n := len(st.order); n > maxRetainedReports {
		t.Errorf("retained %d runs, want at most %d", n, maxRetainedReports)
	}
}

func TestStateTracker_CachePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.json")

	st := NewStateTrackerWithCache(path)
	st.Record(testReport("north", "r1", 1))
	st.Record(testReport("north", "r2", 2))
	st.Record(testReport("east", "r3", 3))

	reloaded := NewStateTrackerWithCache(path)
	reports := reloaded.Reports()
	if len(reports) != 2 {
		t.Fatalf("reloaded %d reports, want 2", len(reports))
	}
	if r, ok := reloaded.Latest("north"); !ok || r.RunID != "r2" {
		t.Errorf("Latest(north) after reload = %+v, %v", r, ok)
	}
	// only the latest per survey is persisted
	if _, ok := reloaded.Run("r1"); ok {
		t.Error("superseded run should not survive a reload")
	}
	if _, ok := reloaded.Run("r3"); !ok {
		t.Error("Run(r3) should be reloaded")
	}
}

func TestNewStateTrackerWithCache_EmptyPath(t *testing.T) {
	st := NewStateTrackerWithCache("")
	st.Record(testReport("s", "r", 1))
	if !st.HasReports() {
		t.Error("tracker without a cache should still record")
	}
}
