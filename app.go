package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/treefix/locate"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const defaultConfigFile = "treefix.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Options      AppOptions
	Config       *locate.Config
	Index        *locate.Index
	StateTracker *locate.StateTracker
	MQTTClient   *locate.MQTTClient
	Publisher    *locate.Publisher
	Locator      *locate.Locator

	out io.Writer
}

// NewApp creates a new App instance writing user-facing output to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		StateTracker: locate.NewStateTracker(),
		out:          out,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// loadConfig reads the config file, then layers the command line on top.
// A missing default config file is not an error.
func (a *App) loadConfig() error {
	opts := a.Options

	var config *locate.Config
	if opts.ConfigFile != "" {
		loaded, err := locate.LoadConfig(opts.ConfigFile)
		switch {
		case err == nil:
			config = loaded
			log.Printf("Loaded config from %s", opts.ConfigFile)
		case opts.ConfigFile == defaultConfigFile && errors.Is(err, fs.ErrNotExist):
			// fall through to defaults
		default:
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if config == nil {
		config = locate.DefaultConfig()
	}

	if opts.DatasetPath != "" || opts.DatasetURL != "" || opts.PostgresDSN != "" {
		config.Dataset = locate.DatasetConfig{
			Path: opts.DatasetPath,
			URL:  opts.DatasetURL,
			Postgres: locate.PostgresConfig{
				DSN:     opts.PostgresDSN,
				Table:   config.Dataset.Postgres.Table,
				OrderBy: config.Dataset.Postgres.OrderBy,
			},
		}
	}
	if opts.PostgresTable != "" {
		config.Dataset.Postgres.Table = opts.PostgresTable
	}
	if opts.Method != "" {
		config.Optimizer.Method = opts.Method
	}
	if opts.Restarts >= 0 {
		config.Optimizer.Restarts = opts.Restarts
	}
	if opts.InitialGuess != "" {
		guess, err := locate.ParseInitialGuess(opts.InitialGuess)
		if err != nil {
			return err
		}
		config.InitialGuess = guess
	}
	if opts.HttpPort > 0 {
		config.HTTP.Port = opts.HttpPort
	}
	if opts.ReportCache != "" {
		config.ReportCache = opts.ReportCache
	}
	if opts.MatchesOnly {
		config.Render.MatchesOnly = true
	}

	if err := config.Validate(); err != nil {
		return err
	}
	a.Config = config
	return nil
}

// loadIndex loads the reference trees from the configured source.
func (a *App) loadIndex(ctx context.Context) error {
	ds := a.Config.Dataset

	var (
		records []locate.ReferencePoint
		summary locate.DatasetSummary
		source  string
		err     error
	)
	switch {
	case ds.Path != "":
		source = ds.Path
		records, summary, err = locate.ParseDatasetFile(ds.Path)
	case ds.URL != "":
		source = ds.URL
		records, summary, err = locate.FetchDataset(ctx, ds.URL)
	case ds.Postgres.DSN != "":
		source = "postgres"
		db, openErr := locate.OpenPostgres(ctx, ds.Postgres.DSN)
		if openErr != nil {
			return openErr
		}
		defer func() { _ = db.Close() }()
		records, summary, err = locate.LoadTreesFromPostgres(ctx, db, ds.Postgres.Table, ds.Postgres.OrderBy)
	default:
		return errors.New("no dataset configured: use --dataset, --dataset-url or --postgres")
	}
	if err != nil {
		return fmt.Errorf("loading dataset from %s: %w", source, err)
	}

	if summary.Dropped > 0 {
		log.Printf("Warning: dropped %d of %d rows with missing values from %s", summary.Dropped, summary.Rows, source)
	}

	ix, err := locate.BuildIndex(records)
	if err != nil {
		return fmt.Errorf("building index from %s: %w", source, err)
	}
	a.Index = ix

	b := ix.Bound()
	log.Printf("Loaded %d reference trees from %s (E %.1f..%.1f, N %.1f..%.1f)",
		ix.Len(), source, b.Min[0], b.Max[0], b.Min[1], b.Max[1])
	return nil
}

func (a *App) prepare() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return a.loadIndex(ctx)
}

// RunEstimate estimates the reference point for one observation file.
func (a *App) RunEstimate() error {
	if err := a.prepare(); err != nil {
		return err
	}

	batch, err := locate.ParseObservationsFile(a.Options.ObservationsFile)
	if err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}

	survey := a.Options.Survey
	if survey == "" {
		survey = batch.ID
	}
	if survey == "" {
		base := filepath.Base(a.Options.ObservationsFile)
		survey = strings.TrimSuffix(base, filepath.Ext(base))
	}

	a.Locator = locate.NewLocator(a.Index, a.Config.Options(), nil, nil)
	report, err := a.Locator.Run(survey, batch)
	if err != nil {
		return err
	}

	a.printReport(report)

	if a.Options.OutputFile != "" {
		if err := locate.SaveReport(a.Options.OutputFile, report); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.out, "Report written to %s\n", a.Options.OutputFile)
	}
	if a.Options.GeoJSONFile != "" {
		if err := writeGeoJSON(a.Options.GeoJSONFile, report); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.out, "GeoJSON written to %s\n", a.Options.GeoJSONFile)
	}
	return nil
}

// RunDemo estimates from a synthetic batch. By default the batch is the
// five-tree random-offset demonstration; with --sample it is drawn from real
// trees around a hidden reference so the estimate can be scored.
func (a *App) RunDemo() error {
	if err := a.prepare(); err != nil {
		return err
	}

	src := locate.NewSeededSource(a.Options.Seed)
	opts := a.Config.Options()

	var (
		observations []locate.Observation
		hidden       *orb.Point
		err          error
	)
	if a.Options.Sample > 0 {
		center := a.Index.At(src.Intn(a.Index.Len())).Position
		truth := orb.Point{
			center[0] + (2*src.Float64()-1)*a.Options.Spread/2,
			center[1] + (2*src.Float64()-1)*a.Options.Spread/2,
		}
		hidden = &truth
		observations, err = locate.SampleObservations(src, a.Index, truth, a.Options.Sample, 2*a.Options.Spread, a.Options.Jitter)
		if err != nil {
			return err
		}
		if len(observations) == 0 {
			return fmt.Errorf("no trees within %.1f m of the hidden reference; increase --spread", 2*a.Options.Spread)
		}
		if opts.InitialGuess.IsCentroid() {
			// a rough prior fix, as a handheld GPS would give
			opts.InitialGuess = locate.FixedGuess(orb.Point{
				truth[0] + (2*src.Float64()-1)*a.Options.Spread/2,
				truth[1] + (2*src.Float64()-1)*a.Options.Spread/2,
			})
		}
	} else {
		observations, err = locate.GenerateObservations(src, a.Options.Spread, locate.DemoCategories, locate.DemoSizes)
		if err != nil {
			return err
		}
	}

	for i, o := range observations {
		_, _ = fmt.Fprintf(a.out, "observation %d: offset (%.2f, %.2f) %s dbh=%.2f\n",
			i, o.Offset[0], o.Offset[1], o.Category, o.Size)
	}

	a.Locator = locate.NewLocator(a.Index, opts, nil, nil)
	report, err := a.Locator.Run("demo", &locate.Batch{ID: fmt.Sprintf("seed-%d", a.Options.Seed), Observations: observations})
	if err != nil {
		return err
	}
	a.printReport(report)

	if hidden != nil {
		_, _ = fmt.Fprintf(a.out, "Hidden reference: (%.3f, %.3f), error %.3f m\n",
			hidden[0], hidden[1], planar.Distance(*hidden, report.Reference))
	}

	if a.Options.RenderFile != "" {
		renderer := locate.NewPlotRenderer(report, a.Index, a.Config.Render)
		if err := renderer.SavePNG(a.Options.RenderFile); err != nil {
			return fmt.Errorf("rendering %s: %w", a.Options.RenderFile, err)
		}
		_, _ = fmt.Fprintf(a.out, "Plot written to %s\n", a.Options.RenderFile)
	}
	return nil
}

// RunRender plots a saved report.
func (a *App) RunRender() error {
	if err := a.prepare(); err != nil {
		return err
	}

	report, err := locate.LoadReport(a.Options.ReportFile)
	if err != nil {
		return err
	}

	format := strings.ToLower(a.Options.Format)
	output := a.Options.OutputFile
	if output == "" {
		ext := format
		if ext == "vector-png" {
			ext = "png"
		}
		output = "plot." + ext
	}

	var encode func(io.Writer) error
	switch format {
	case "png", "raster":
		encode = locate.NewPlotRenderer(report, a.Index, a.Config.Render).EncodePNG
	case "svg":
		encode = locate.NewVectorRenderer(report, a.Index, a.Config.Render).RenderToSVG
	case "vector-png":
		encode = locate.NewVectorRenderer(report, a.Index, a.Config.Render).RenderToPNG
	default:
		return fmt.Errorf("unknown format %q (want png, svg or vector-png)", a.Options.Format)
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := encode(f); err != nil {
		return fmt.Errorf("rendering %s: %w", output, err)
	}

	_, _ = fmt.Fprintf(a.out, "Plot written to %s\n", output)
	return nil
}

// RunService runs the MQTT subscriber and/or the HTTP server until SIGINT or SIGTERM.
func (a *App) RunService() error {
	if !a.Options.MqttMode && !a.Options.HttpMode {
		return errors.New("nothing to serve: pass --mqtt and/or --http")
	}
	if err := a.prepare(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(a.out, "Starting treefix service...")

	if a.Config.ReportCache != "" {
		a.StateTracker = locate.NewStateTrackerWithCache(a.Config.ReportCache)
		log.Printf("Report cache: %s", a.Config.ReportCache)
	}

	locator := locate.NewLocator(a.Index, a.Config.Options(), a.StateTracker, nil)
	a.Locator = locator

	if a.Options.MqttMode {
		mqttClient, err := locate.InitMQTT(a.Config, locator.HandleBatch)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured (mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient
		a.Publisher = locate.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix)
		locator.SetPublisher(a.Publisher)
	}

	var server *http.Server
	if a.Options.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Locator, a.StateTracker, a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	_, _ = fmt.Fprintln(a.out, "\nService Running")
	_, _ = fmt.Fprintln(a.out, "===============")
	if a.Options.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
			prefix = env
		}
		_, _ = fmt.Fprintln(a.out, "\nMQTT:")
		_, _ = fmt.Fprintf(a.out, "  Subscribed to: %s\n", a.Config.MQTT.ObservationTopic)
		_, _ = fmt.Fprintf(a.out, "  Publishing to: %s/{survey}\n", prefix)
		_, _ = fmt.Fprintf(a.out, "  Combined reports: %s/reports\n", prefix)
	}
	if a.Options.HttpMode {
		_, _ = fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		_, _ = fmt.Fprintln(a.out, "  GET  /health                 - Health check")
		_, _ = fmt.Fprintln(a.out, "  POST /estimate?survey=NAME   - Estimate from a JSON batch")
		_, _ = fmt.Fprintln(a.out, "  GET  /reports                - Latest report per survey")
		_, _ = fmt.Fprintln(a.out, "  GET  /report/{id}.json|.geojson|.png|.svg")
		_, _ = fmt.Fprintln(a.out, "  GET  /trees?e=&n=&r=         - Reference trees near a point")
	}
	_, _ = fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	_, _ = fmt.Fprintln(a.out, "\nShutting down service...")
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.out, "Service stopped")
	return nil
}

func (a *App) printReport(r *locate.Report) {
	_, _ = fmt.Fprintf(a.out, "\n=== %s (run %s) ===\n", r.Survey, r.RunID)
	_, _ = fmt.Fprintf(a.out, "Reference point: E %.3f  N %.3f\n", r.Reference[0], r.Reference[1])
	_, _ = fmt.Fprintf(a.out, "Negative log-likelihood: %.4f\n", r.NegLogLikelihood)
	_, _ = fmt.Fprintf(a.out, "Optimizer: %s, %d iterations, %d evaluations, %d start(s)\n",
		r.Status, r.Iterations, r.Evaluations, r.Starts)
	if !r.Converged {
		_, _ = fmt.Fprintln(a.out, "WARNING: optimizer did not converge; the estimate is the best point seen")
	}

	_, _ = fmt.Fprintln(a.out, "\nobs  predicted (E, N)          species      matched (E, N)             species      dbh    logL     nearby")
	for _, p := range r.Pairings {
		_, _ = fmt.Fprintf(a.out, "%3d  (%10.2f, %10.2f)  %-11s  (%10.2f, %10.2f)  %-11s  %.2f  %8.3f  %d\n",
			p.Observation,
			p.Predicted.Position[0], p.Predicted.Position[1], p.Predicted.Category,
			p.Match.Reference.Position[0], p.Match.Reference.Position[1], p.Match.Reference.Category,
			p.Match.Reference.Size, p.Match.LogLikelihood, p.Nearby)
	}

	residual := 0.0
	for _, p := range r.Pairings {
		d := planar.Distance(p.Predicted.Position, p.Match.Reference.Position)
		residual += d * d
	}
	if n := len(r.Pairings); n > 0 {
		_, _ = fmt.Fprintf(a.out, "\nRMS position residual: %.3f m\n", math.Sqrt(residual/float64(n)))
	}
}

func writeGeoJSON(path string, r *locate.Report) error {
	data, err := json.MarshalIndent(locate.ReportToFeatureCollection(r), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}
