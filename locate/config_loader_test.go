package locate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Noise != DefaultNoiseModel() {
		t.Errorf("Noise = %+v", c.Noise)
	}
	if c.Optimizer != DefaultOptimizerConfig() {
		t.Errorf("Optimizer = %+v", c.Optimizer)
	}
	if !c.InitialGuess.IsCentroid() {
		t.Error("default initial guess should be the centroid")
	}
	if c.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", c.HTTP.Port)
	}
	if c.MQTT.ObservationTopic == "" || c.MQTT.PublishPrefix == "" {
		t.Errorf("MQTT defaults missing: %+v", c.MQTT)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `noise:
  sigmaPosition: 1.5
  sigmaSize: 0.02
  mislabelProbability: 0.1
optimizer:
  method: cmaes
  maxIterations: 50
initialGuess: [1000, 2000]
dataset:
  postgres:
    dsn: postgres://localhost/forest
    table: gis.trees
    orderBy: tree_id
mqtt:
  broker: tcp://localhost:1883
render:
  matchesOnly: true
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	c, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if c.Noise.SigmaPosition != 1.5 || c.Noise.SigmaSize != 0.02 || c.Noise.MislabelProbability != 0.1 {
		t.Errorf("Noise = %+v", c.Noise)
	}
	if c.Optimizer.Method != MethodCMAES || c.Optimizer.MaxIterations != 50 {
		t.Errorf("Optimizer = %+v", c.Optimizer)
	}
	// unset optimizer fields keep their defaults
	if c.Optimizer.InitialStep != DefaultOptimizerConfig().InitialStep {
		t.Errorf("InitialStep = %v, want default", c.Optimizer.InitialStep)
	}
	if p, ok := c.InitialGuess.Point(); !ok || p != (orb.Point{1000, 2000}) {
		t.Errorf("InitialGuess = %v", c.InitialGuess)
	}
	if c.Dataset.Postgres.Table != "gis.trees" || c.Dataset.Postgres.OrderBy != "tree_id" {
		t.Errorf("Postgres = %+v", c.Dataset.Postgres)
	}
	if c.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("MQTT.Broker = %q", c.MQTT.Broker)
	}
	if c.MQTT.ObservationTopic != DefaultConfig().MQTT.ObservationTopic {
		t.Errorf("ObservationTopic = %q, want default", c.MQTT.ObservationTopic)
	}
	if !c.Render.MatchesOnly || c.Render.Scale != DefaultConfig().Render.Scale {
		t.Errorf("Render = %+v", c.Render)
	}

	opts := c.Options()
	if opts.Noise != c.Noise || opts.Optimizer != c.Optimizer || opts.InitialGuess.String() != c.InitialGuess.String() {
		t.Errorf("Options() = %+v", opts)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantInval bool
	}{
		{name: "malformed yaml", content: "noise: [unclosed\n"},
		{name: "bad noise", content: "noise:\n  sigmaPosition: -1\n", wantInval: true},
		{name: "bad method", content: "optimizer:\n  method: annealing\n", wantInval: true},
		{name: "bad initial guess", content: "initialGuess: [1, 2, 3]\n", wantInval: true},
		{name: "bad table", content: "dataset:\n  postgres:\n    dsn: x\n    table: \"a;b\"\n", wantInval: true},
		{name: "bad port", content: "http:\n  port: -5\n", wantInval: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantInval && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v, want config file not found", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	c := DefaultConfig()
	c.InitialGuess = FixedGuess(orb.Point{3, 4})
	c.Optimizer.Restarts = 2
	c.Dataset.Path = "trees.csv"

	if err := SaveConfig(path, c); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if back.InitialGuess.String() != "3,4" {
		t.Errorf("InitialGuess = %v", back.InitialGuess)
	}
	if back.Optimizer != c.Optimizer {
		t.Errorf("Optimizer = %+v, want %+v", back.Optimizer, c.Optimizer)
	}
	if back.Dataset.Path != "trees.csv" {
		t.Errorf("Dataset.Path = %q", back.Dataset.Path)
	}
}
