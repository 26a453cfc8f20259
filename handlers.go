package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/treefix/locate"
	"github.com/paulmach/orb"
)

// maxBatchBytes bounds POST /estimate bodies.
const maxBatchBytes = 1 << 20

// defaultTreeRadius is used by /trees when r is omitted.
const defaultTreeRadius = 50.0

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(locator *locate.Locator, stateTracker *locate.StateTracker, config *locate.Config) http.Handler {
	mux := http.NewServeMux()

	renderCfg := locate.DefaultConfig().Render
	if config != nil {
		renderCfg = config.Render
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			Trees      int       `json:"trees"`
			HasReports bool      `json:"hasReports"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			Trees:      locator.Index().Len(),
			HasReports: stateTracker.HasReports(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Estimate from a JSON batch
	mux.HandleFunc("/estimate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		batch, err := locate.ParseBatch(http.MaxBytesReader(w, r.Body, maxBatchBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		survey := r.URL.Query().Get("survey")
		if survey == "" {
			survey = batch.ID
		}
		if survey == "" {
			survey = "http"
		}

		report, err := locator.Run(survey, batch)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, locate.ErrInvalidObservation) || errors.Is(err, locate.ErrInvalidConfig) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		writeJSON(w, report)
	})

	// Latest report per survey
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		reports := stateTracker.Reports()
		if reports == nil {
			reports = []*locate.Report{}
		}
		writeJSON(w, reports)
	})

	// One report by run id or survey name, in several encodings
	mux.HandleFunc("/report/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/report/")
		dot := strings.LastIndex(name, ".")
		if dot <= 0 {
			http.NotFound(w, r)
			return
		}
		id, ext := name[:dot], name[dot+1:]

		report, ok := stateTracker.Run(id)
		if !ok {
			report, ok = stateTracker.Latest(id)
		}
		if !ok {
			http.Error(w, fmt.Sprintf("No report for %q", id), http.StatusNotFound)
			return
		}

		switch ext {
		case "json":
			writeJSON(w, report)
		case "geojson":
			w.Header().Set("Content-Type", "application/geo+json")
			if err := json.NewEncoder(w).Encode(locate.ReportToFeatureCollection(report)); err != nil {
				log.Printf("Error encoding report GeoJSON: %v", err)
			}
		case "png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			if err := locate.NewPlotRenderer(report, locator.Index(), renderCfg).EncodePNG(w); err != nil {
				log.Printf("Error encoding report PNG: %v", err)
			}
		case "svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			w.Header().Set("Cache-Control", "no-cache")
			if err := locate.NewVectorRenderer(report, locator.Index(), renderCfg).RenderToSVG(w); err != nil {
				log.Printf("Error encoding report SVG: %v", err)
			}
		default:
			http.NotFound(w, r)
		}
	})

	// Reference trees around a point
	mux.HandleFunc("/trees", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		east, errE := strconv.ParseFloat(q.Get("e"), 64)
		north, errN := strconv.ParseFloat(q.Get("n"), 64)
		if errE != nil || errN != nil {
			http.Error(w, "e and n are required numbers", http.StatusBadRequest)
			return
		}
		radius := defaultTreeRadius
		if s := q.Get("r"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v <= 0 {
				http.Error(w, "r must be a positive number", http.StatusBadRequest)
				return
			}
			radius = v
		}

		ix := locator.Index()
		fc := locate.TreesToFeatureCollection(ix, ix.Within(orb.Point{east, north}, radius))
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding trees GeoJSON: %v", err)
		}
	})

	// Default route lists the latest plot of every survey
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")

		var body strings.Builder
		for _, report := range stateTracker.Reports() {
			name := html.EscapeString(report.Survey)
			fmt.Fprintf(&body, "<figure><img src=\"/report/%s.svg\" alt=\"%s\"><figcaption>%s: (%.2f, %.2f) %s</figcaption></figure>\n",
				html.EscapeString(url.PathEscape(report.Survey)), name, name, report.Reference[0], report.Reference[1], report.Status)
		}
		if body.Len() == 0 {
			body.WriteString("<p>No reports yet.</p>\n")
		}

		_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>treefix</title>
<style>
body{margin:0;padding:1em;background:#1a1a1a;color:#ddd;font-family:sans-serif}
figure{margin:0 0 2em 0}
img{display:block;max-width:100%%;background:#fff}
</style>
</head>
<body>
%s</body>
</html>`, body.String())
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
