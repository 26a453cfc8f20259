package locate

import (
	"log"
	"sort"
	"sync"
	"time"
)

// maxRetainedReports bounds the run-id lookup table.
const maxRetainedReports = 256

// StateTracker holds the latest report per survey for the HTTP endpoints.
type StateTracker struct {
	mu        sync.RWMutex
	latest    map[string]*Report // survey -> latest
	runs      map[string]*Report // run id -> report
	order     []string           // run ids, oldest first
	cachePath string             // empty disables persistence
}

// NewStateTracker creates an in-memory tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		latest: make(map[string]*Report),
		runs:   make(map[string]*Report),
	}
}

// NewStateTrackerWithCache creates a tracker that persists the latest report
// per survey to cachePath, loading any existing cache first.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath == "" {
		return st
	}

	cache, err := LoadReportCache(cachePath)
	if err != nil {
		log.Printf("[LOCATE] Warning: ignoring report cache: %v", err)
		return st
	}
	if cache == nil {
		return st
	}
	for _, survey := range cache.Surveys() {
		st.store(cache.Reports[survey])
	}
	return st
}

// Record stores a report and persists the cache when configured.
func (st *StateTracker) Record(r *Report) {
	if r == nil {
		return
	}

	st.mu.Lock()
	st.store(r)
	cache := st.snapshotLocked()
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveReportCache(cachePath, cache); err != nil {
			log.Printf("[LOCATE] Warning: failed to save report cache: %v", err)
		}
	}
}

// store must be called with mu held or before the tracker is shared.
func (st *StateTracker) store(r *Report) {
	if r == nil {
		return
	}
	st.latest[r.Survey] = r
	if _, ok := st.runs[r.RunID]; !ok {
		st.order = append(st.order, r.RunID)
	}
	st.runs[r.RunID] = r

	// Evict the oldest runs, but never a survey's latest report.
	for len(st.order) > maxRetainedReports {
		evicted := false
		for i, id := range st.order {
			rep := st.runs[id]
			if st.latest[rep.Survey] == rep {
				continue
			}
			delete(st.runs, id)
			st.order = append(st.order[:i], st.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
}

func (st *StateTracker) snapshotLocked() *ReportCache {
	cache := &ReportCache{
		Reports:     make(map[string]*Report, len(st.latest)),
		LastUpdated: time.Now().Unix(),
	}
	for k, v := range st.latest {
		cache.Reports[k] = v
	}
	return cache
}

// Latest returns a copy of the latest report for a survey.
func (st *StateTracker) Latest(survey string) (*Report, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.latest[survey]
	if !ok {
		return nil, false
	}
	return copyReport(r), true
}

// Run returns a copy of the report with the given run id.
func (st *StateTracker) Run(runID string) (*Report, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.runs[runID]
	if !ok {
		return nil, false
	}
	return copyReport(r), true
}

// Reports returns copies of the latest report per survey, sorted by survey.
func (st *StateTracker) Reports() []*Report {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Report, 0, len(st.latest))
	for _, r := range st.latest {
		out = append(out, copyReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Survey < out[j].Survey })
	return out
}

// HasReports returns true if at least one run has been recorded.
func (st *StateTracker) HasReports() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.latest) > 0
}

func copyReport(r *Report) *Report {
	c := *r
	c.Pairings = append([]Pairing(nil), r.Pairings...)
	return &c
}
