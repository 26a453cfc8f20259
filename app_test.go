package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/treefix/locate"
	"github.com/paulmach/orb"
)

// Three trees around a standpoint at (50, 50).
const testDatasetCSV = `Easting,Northing,Species,DBH
55,50,Fagus,0.30
50,58,Pinus,0.50
42,47,Quercus,0.40
`

const testObservationsCSV = `offset_x,offset_y,category,size
5,0,Fagus,0.30
0,8,Pinus,0.50
-8,-3,Quercus,0.40
`

// Helper function to write a fixture into dir
func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func testOptions(t *testing.T) (AppOptions, string) {
	t.Helper()
	dir := t.TempDir()
	return AppOptions{
		DatasetPath: writeFixture(t, dir, "trees.csv", testDatasetCSV),
		Restarts:    -1,
	}, dir
}

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
	if app.out == nil {
		t.Error("out should default to io.Discard")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(nil)
	opts := AppOptions{
		ConfigFile:       "test-config.yaml",
		DatasetPath:      "trees.csv",
		ObservationsFile: "obs.csv",
		Method:           "cmaes",
		Restarts:         2,
		HttpPort:         9090,
		MqttMode:         true,
	}

	app.ApplyOptions(opts)

	if app.Options != opts {
		t.Errorf("Options = %+v, want %+v", app.Options, opts)
	}
}

func TestLoadConfig_MissingDefaultFallsBack(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	app := NewApp(nil)
	app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile, Restarts: -1})
	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	want := locate.DefaultConfig()
	if app.Config.Optimizer != want.Optimizer {
		t.Errorf("Optimizer = %+v, want defaults %+v", app.Config.Optimizer, want.Optimizer)
	}
	if app.Config.Noise != want.Noise {
		t.Errorf("Noise = %+v, want defaults %+v", app.Config.Noise, want.Noise)
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), Restarts: -1})
	if err := app.loadConfig(); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFixture(t, dir, "treefix.yaml", `noise:
  sigmaPosition: 3
  sigmaSize: 0.02
  mislabelProbability: 0.1
optimizer:
  method: nelder-mead
  tolerance: 1e-6
  convergeWindow: 10
  maxIterations: 100
  initialStep: 5
dataset:
  path: from-config.csv
http:
  port: 8000
`)

	app := NewApp(nil)
	app.ApplyOptions(AppOptions{
		ConfigFile:   configPath,
		DatasetPath:  "from-flag.csv",
		Method:       "cmaes",
		InitialGuess: "10,20",
		Restarts:     4,
		HttpPort:     9000,
		ReportCache:  "cache.json",
		MatchesOnly:  true,
	})
	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	c := app.Config
	if c.Noise.SigmaPosition != 3 {
		t.Errorf("SigmaPosition = %v, want 3 from file", c.Noise.SigmaPosition)
	}
	if c.Dataset.Path != "from-flag.csv" {
		t.Errorf("Dataset.Path = %s, want from-flag.csv", c.Dataset.Path)
	}
	if c.Optimizer.Method != "cmaes" {
		t.Errorf("Method = %s, want cmaes", c.Optimizer.Method)
	}
	if c.Optimizer.Restarts != 4 {
		t.Errorf("Restarts = %d, want 4", c.Optimizer.Restarts)
	}
	if p, ok := c.InitialGuess.Point(); !ok || p != (orb.Point{10, 20}) {
		t.Errorf("InitialGuess = %v, want 10,20", c.InitialGuess)
	}
	if c.HTTP.Port != 9000 {
		t.Errorf("HTTP.Port = %d, want 9000", c.HTTP.Port)
	}
	if c.ReportCache != "cache.json" {
		t.Errorf("ReportCache = %s, want cache.json", c.ReportCache)
	}
	if !c.Render.MatchesOnly {
		t.Error("Render.MatchesOnly should be true")
	}
}

func TestLoadConfig_InvalidOverrides(t *testing.T) {
	tests := []struct {
		name string
		opts AppOptions
	}{
		{"bad initial guess", AppOptions{InitialGuess: "north-ish", Restarts: -1}},
		{"unknown method", AppOptions{Method: "gradient-descent", Restarts: -1}},
		{"bad table name", AppOptions{PostgresDSN: "postgres://x", PostgresTable: "trees; drop", Restarts: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(nil)
			app.ApplyOptions(tt.opts)
			err := app.loadConfig()
			if !errors.Is(err, locate.ErrInvalidConfig) {
				t.Errorf("loadConfig error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadIndex_NoSource(t *testing.T) {
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{Restarts: -1})
	if err := app.prepare(); err == nil || !strings.Contains(err.Error(), "no dataset configured") {
		t.Errorf("prepare error = %v, want no dataset configured", err)
	}
}

func TestLoadIndex_DropsMissingRows(t *testing.T) {
	dir := t.TempDir()
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{
		DatasetPath: writeFixture(t, dir, "trees.csv", testDatasetCSV+"60,60,NA,0.2\n"),
		Restarts:    -1,
	})
	if err := app.prepare(); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if app.Index.Len() != 3 {
		t.Errorf("Index.Len() = %d, want 3", app.Index.Len())
	}
}

func TestRunEstimate(t *testing.T) {
	opts, dir := testOptions(t)
	opts.ObservationsFile = writeFixture(t, dir, "plot7.csv", testObservationsCSV)
	opts.InitialGuess = "51,49"
	opts.OutputFile = filepath.Join(dir, "report.json")
	opts.GeoJSONFile = filepath.Join(dir, "report.geojson")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(opts)
	if err := app.RunEstimate(); err != nil {
		t.Fatalf("RunEstimate failed: %v", err)
	}

	report, err := locate.LoadReport(opts.OutputFile)
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}
	if report.Survey != "plot7" {
		t.Errorf("Survey = %s, want plot7 from file name", report.Survey)
	}
	if d := math.Hypot(report.Reference[0]-50, report.Reference[1]-50); d > 0.1 {
		t.Errorf("Reference = %v, want within 0.1 m of (50, 50), off by %.3f", report.Reference, d)
	}
	if len(report.Pairings) != 3 {
		t.Fatalf("len(Pairings) = %d, want 3", len(report.Pairings))
	}
	for _, p := range report.Pairings {
		if p.Predicted.Category != p.Match.Reference.Category {
			t.Errorf("observation %d matched %s, want %s", p.Observation, p.Match.Reference.Category, p.Predicted.Category)
		}
	}

	data, err := os.ReadFile(opts.GeoJSONFile)
	if err != nil {
		t.Fatalf("reading GeoJSON: %v", err)
	}
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("invalid GeoJSON: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("GeoJSON type = %s, want FeatureCollection", fc.Type)
	}
	// reference + 3 x (predicted, matched, link)
	if len(fc.Features) != 10 {
		t.Errorf("GeoJSON features = %d, want 10", len(fc.Features))
	}

	for _, want := range []string{"Reference point", "Negative log-likelihood", "Report written to"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q, got: %s", want, out.String())
		}
	}
}

func TestRunEstimate_SurveyFromBatchID(t *testing.T) {
	opts, dir := testOptions(t)
	opts.ObservationsFile = writeFixture(t, dir, "batch.json", `{
  "id": "north-plot",
  "initialGuess": [51, 49],
  "observations": [
    {"offset": [5, 0], "category": "Fagus", "size": 0.3},
    {"offset": [0, 8], "category": "Pinus", "size": 0.5}
  ]
}`)
	opts.OutputFile = filepath.Join(dir, "report.json")

	app := NewApp(nil)
	app.ApplyOptions(opts)
	if err := app.RunEstimate(); err != nil {
		t.Fatalf("RunEstimate failed: %v", err)
	}

	report, err := locate.LoadReport(opts.OutputFile)
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}
	if report.Survey != "north-plot" {
		t.Errorf("Survey = %s, want north-plot", report.Survey)
	}
}

func TestRunEstimate_InvalidObservations(t *testing.T) {
	opts, dir := testOptions(t)
	opts.ObservationsFile = writeFixture(t, dir, "empty.csv", "offset_x,offset_y,category,size\n")

	app := NewApp(nil)
	app.ApplyOptions(opts)
	err := app.RunEstimate()
	if !errors.Is(err, locate.ErrInvalidObservation) {
		t.Errorf("RunEstimate error = %v, want ErrInvalidObservation", err)
	}
}

func TestRunDemo(t *testing.T) {
	opts, _ := testOptions(t)
	opts.Seed = 7
	opts.Spread = 10

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(opts)
	if err := app.RunDemo(); err != nil {
		t.Fatalf("RunDemo failed: %v", err)
	}

	if got := strings.Count(out.String(), "observation "); got != len(locate.DemoCategories) {
		t.Errorf("printed %d observations, want %d", got, len(locate.DemoCategories))
	}
}

func TestRunDemo_Sample(t *testing.T) {
	opts, dir := testOptions(t)
	opts.Seed = 3
	opts.Spread = 5
	opts.Sample = 3
	opts.Jitter = 0.1
	opts.RenderFile = filepath.Join(dir, "demo.png")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(opts)
	if err := app.RunDemo(); err != nil {
		t.Fatalf("RunDemo failed: %v", err)
	}

	if !strings.Contains(out.String(), "Hidden reference") {
		t.Errorf("expected hidden reference in output, got: %s", out.String())
	}
	if info, err := os.Stat(opts.RenderFile); err != nil || info.Size() == 0 {
		t.Errorf("expected non-empty plot at %s (err %v)", opts.RenderFile, err)
	}
}

func TestRunRender(t *testing.T) {
	opts, dir := testOptions(t)

	report := &locate.Report{
		RunID:     "run-1",
		Survey:    "plot7",
		Reference: orb.Point{50, 50},
		Converged: true,
		Status:    "FunctionConvergence",
		Noise:     locate.DefaultNoiseModel(),
		Pairings: []locate.Pairing{{
			Observation: 0,
			Predicted:   locate.PredictedPoint{Position: orb.Point{55, 50}, Category: "Fagus", Size: 0.3},
			Match: locate.Match{
				Index:     0,
				Reference: locate.ReferencePoint{Position: orb.Point{55, 50}, Category: "Fagus", Size: 0.3},
			},
			Nearby: 1,
		}},
	}
	opts.ReportFile = filepath.Join(dir, "report.json")
	if err := locate.SaveReport(opts.ReportFile, report); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	tests := []struct {
		format string
		magic  string
	}{
		{"png", "\x89PNG"},
		{"svg", "<svg"},
		{"vector-png", "\x89PNG"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			o := opts
			o.Format = tt.format
			o.OutputFile = filepath.Join(dir, "plot-"+tt.format)

			app := NewApp(nil)
			app.ApplyOptions(o)
			if err := app.RunRender(); err != nil {
				t.Fatalf("RunRender failed: %v", err)
			}

			data, err := os.ReadFile(o.OutputFile)
			if err != nil {
				t.Fatalf("reading output: %v", err)
			}
			if !strings.Contains(string(data[:min(len(data), 256)]), tt.magic) {
				t.Errorf("output does not look like %s", tt.format)
			}
		})
	}
}

func TestRunRender_UnknownFormat(t *testing.T) {
	opts, dir := testOptions(t)
	opts.ReportFile = filepath.Join(dir, "report.json")
	opts.Format = "gif"
	opts.OutputFile = filepath.Join(dir, "plot.gif")
	if err := locate.SaveReport(opts.ReportFile, &locate.Report{Survey: "x"}); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	app := NewApp(nil)
	app.ApplyOptions(opts)
	if err := app.RunRender(); err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("RunRender error = %v, want unknown format", err)
	}
}

func TestRunService_NothingToServe(t *testing.T) {
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{Restarts: -1})
	if err := app.RunService(); err == nil {
		t.Error("expected error when neither --mqtt nor --http is set")
	}
}

func TestRunService_MQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	opts, _ := testOptions(t)
	opts.MqttMode = true

	app := NewApp(nil)
	app.ApplyOptions(opts)
	if err := app.RunService(); err == nil || !strings.Contains(err.Error(), "broker not configured") {
		t.Errorf("RunService error = %v, want broker not configured", err)
	}
}
