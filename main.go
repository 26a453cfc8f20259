package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line into the App.
type AppOptions struct {
	ConfigFile    string
	DatasetPath   string
	DatasetURL    string
	PostgresDSN   string
	PostgresTable string

	// estimate
	ObservationsFile string
	Survey           string
	OutputFile       string
	GeoJSONFile      string
	Method           string
	InitialGuess     string
	Restarts         int

	// demo
	Seed       int64
	Spread     float64
	Sample     int
	Jitter     float64
	RenderFile string

	// render
	ReportFile  string
	Format      string
	MatchesOnly bool

	// serve
	MqttMode    bool
	HttpMode    bool
	HttpPort    int
	ReportCache string
}

// Runner is the set of commands the CLI dispatches to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEstimate() error
	RunDemo() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		os.Exit(1)
	}
}

// run parses args and executes the selected command against app.
func run(args []string, out io.Writer, app Runner) error {
	cmd := newRootCmd(out, app)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newRootCmd(out io.Writer, app Runner) *cobra.Command {
	var opts AppOptions

	rootCmd := &cobra.Command{
		Use:           "treefix",
		Short:         "Locate a survey position from relative tree observations",
		Long:          `treefix matches trees measured relative to an unknown standpoint against a reference tree database and estimates where the observer stood.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(out, "treefix version: %s\n", Version)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", defaultConfigFile, "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.DatasetPath, "dataset", "d", "", "Reference tree CSV (Easting, Northing, Species, DBH)")
	rootCmd.PersistentFlags().StringVar(&opts.DatasetURL, "dataset-url", "", "Fetch the reference tree CSV over HTTP")
	rootCmd.PersistentFlags().StringVar(&opts.PostgresDSN, "postgres", "", "Load reference trees from PostgreSQL (DSN)")
	rootCmd.PersistentFlags().StringVar(&opts.PostgresTable, "table", "", "PostgreSQL table holding the reference trees")

	dispatch := func(f func() error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return f()
		}
	}

	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the reference point for one observation batch",
		RunE:  dispatch(app.RunEstimate),
	}
	estimateCmd.Flags().StringVarP(&opts.ObservationsFile, "observations", "i", "", "Observation batch (.csv or .json)")
	estimateCmd.Flags().StringVar(&opts.Survey, "survey", "", "Survey name (default: batch id or file name)")
	estimateCmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Write the report as JSON")
	estimateCmd.Flags().StringVar(&opts.GeoJSONFile, "geojson", "", "Write the report as GeoJSON")
	estimateCmd.Flags().StringVar(&opts.Method, "method", "", "Optimizer: nelder-mead or cmaes")
	estimateCmd.Flags().StringVar(&opts.InitialGuess, "initial", "", `Initial guess: "centroid" or "east,north"`)
	estimateCmd.Flags().IntVar(&opts.Restarts, "restarts", -1, "Extra optimizer starts around the initial guess")
	_ = estimateCmd.MarkFlagRequired("observations")

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Estimate from a synthetic observation batch",
		RunE:  dispatch(app.RunDemo),
	}
	demoCmd.Flags().Int64Var(&opts.Seed, "seed", 1, "Random seed")
	demoCmd.Flags().Float64Var(&opts.Spread, "spread", 10, "Offset spread in meters")
	demoCmd.Flags().IntVar(&opts.Sample, "sample", 0, "Sample this many real trees around a hidden reference instead of random offsets")
	demoCmd.Flags().Float64Var(&opts.Jitter, "jitter", 0.3, "Offset noise in meters for --sample")
	demoCmd.Flags().StringVar(&opts.RenderFile, "render", "", "Write a PNG plot of the result")
	demoCmd.Flags().StringVar(&opts.Method, "method", "", "Optimizer: nelder-mead or cmaes")
	demoCmd.Flags().IntVar(&opts.Restarts, "restarts", -1, "Extra optimizer starts around the initial guess")

	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Plot a saved report over the reference trees",
		RunE:  dispatch(app.RunRender),
	}
	renderCmd.Flags().StringVarP(&opts.ReportFile, "report", "r", "", "Report JSON written by estimate --output")
	renderCmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Output file (default plot.<format>)")
	renderCmd.Flags().StringVar(&opts.Format, "format", "png", "Output format: png, svg or vector-png")
	renderCmd.Flags().BoolVar(&opts.MatchesOnly, "matches-only", false, "Draw only predictions, their matched trees and the predicted pattern")
	_ = renderCmd.MarkFlagRequired("report")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MQTT and/or HTTP service",
		RunE:  dispatch(app.RunService),
	}
	serveCmd.Flags().BoolVar(&opts.MqttMode, "mqtt", false, "Subscribe to observation batches over MQTT")
	serveCmd.Flags().BoolVar(&opts.HttpMode, "http", false, "Serve reports over HTTP")
	serveCmd.Flags().IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")
	serveCmd.Flags().StringVar(&opts.ReportCache, "report-cache", "", "Persist the latest report per survey to this file")

	rootCmd.AddCommand(estimateCmd, demoCmd, renderCmd, serveCmd)
	return rootCmd
}
