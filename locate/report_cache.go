package locate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultReportCachePath is the default path of the report cache file.
const DefaultReportCachePath = ".treefix-reports.json"

// ReportCache is the on-disk form of the latest report per survey.
type ReportCache struct {
	Reports     map[string]*Report `json:"reports"` // survey -> latest report
	LastUpdated int64              `json:"lastUpdated"`
}

// LoadReportCache reads the report cache. A missing file is not an error and
// yields (nil, nil).
func LoadReportCache(path string) (*ReportCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading report cache: %w", err)
	}

	var cache ReportCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing report cache: %w", err)
	}
	if cache.Reports == nil {
		cache.Reports = make(map[string]*Report)
	}

	return &cache, nil
}

// SaveReportCache writes the report cache, creating its directory if needed.
func SaveReportCache(path string, cache *ReportCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report cache directory: %w", err)
	}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report cache: %w", err)
	}

	return nil
}

// SaveReport writes a single report as indented JSON.
func SaveReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &r, nil
}

// Surveys returns the cached survey names, sorted.
func (c *ReportCache) Surveys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Reports))
	for s := range c.Reports {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
