package locate

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders a report as vector graphics. One canvas unit is one
// meter of easting or northing.
type VectorRenderer struct {
	Report      *Report
	Index       *Index
	Padding     float64           // in meters
	Resolution  canvas.Resolution // PNG output only
	GridSpacing float64           // in meters; 0 disables the grid
	MatchesOnly bool
	Colors      PlotColors
}

// NewVectorRenderer creates a vector renderer with default settings.
func NewVectorRenderer(r *Report, ix *Index, cfg RenderConfig) *VectorRenderer {
	return &VectorRenderer{
		Report:      r,
		Index:       ix,
		Padding:     5.0,
		Resolution:  canvas.DPI(300),
		GridSpacing: 10.0,
		MatchesOnly: cfg.MatchesOnly,
		Colors:      DefaultPlotColors(),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the plot as an SVG to the provided writer.
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	bound, width, height := r.frame()

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)

	return svgRenderer.Close()
}

// RenderToPNG writes the plot as a PNG to the provided writer.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	bound, width, height := r.frame()

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)

	return png.Encode(w, rast)
}

func (r *VectorRenderer) frame() (orb.Bound, float64, float64) {
	pr := PlotRenderer{Report: r.Report, Index: r.Index, MatchesOnly: r.MatchesOnly}
	bound := pr.Bound()
	width := (bound.Max[0] - bound.Min[0]) + 2*r.Padding
	height := (bound.Max[1] - bound.Min[1]) + 2*r.Padding
	return bound, width, height
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: r.Colors.Background}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// The canvas origin is bottom-left, so northing maps straight to y.
	toCanvas := func(p orb.Point) (float64, float64) {
		return (p[0] - bound.Min[0]) + r.Padding, (p[1] - bound.Min[1]) + r.Padding
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: color.RGBA{211, 211, 211, 255}}
		gridStyle.StrokeWidth = 0.05
		gridStyle.Dashes = []float64{0.5, 0.5}

		for x := math.Ceil(bound.Min[0]/r.GridSpacing) * r.GridSpacing; x <= bound.Max[0]; x += r.GridSpacing {
			x1, y1 := toCanvas(orb.Point{x, bound.Min[1]})
			x2, y2 := toCanvas(orb.Point{x, bound.Max[1]})
			renderer.RenderPath(segment(x1, y1, x2, y2), gridStyle, canvas.Identity)
		}
		for y := math.Ceil(bound.Min[1]/r.GridSpacing) * r.GridSpacing; y <= bound.Max[1]; y += r.GridSpacing {
			x1, y1 := toCanvas(orb.Point{bound.Min[0], y})
			x2, y2 := toCanvas(orb.Point{bound.Max[0], y})
			renderer.RenderPath(segment(x1, y1, x2, y2), gridStyle, canvas.Identity)
		}
	}

	if !r.MatchesOnly {
		treeStyle := filled(r.Colors.Tree)
		for _, tree := range r.Index.All() {
			cx, cy := toCanvas(tree.Position)
			renderer.RenderPath(canvas.Circle(markerRadius(tree.Size)).Translate(cx, cy), treeStyle, canvas.Identity)
		}
	}

	if r.MatchesOnly && len(r.Report.Pairings) > 1 {
		patternStyle := canvas.DefaultStyle
		patternStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		patternStyle.Stroke = canvas.Paint{Color: r.Colors.Pattern}
		patternStyle.StrokeWidth = 0.1

		pattern := &canvas.Path{}
		for i, p := range r.Report.Pairings {
			x, y := toCanvas(p.Predicted.Position)
			if i == 0 {
				pattern.MoveTo(x, y)
			} else {
				pattern.LineTo(x, y)
			}
		}
		renderer.RenderPath(pattern, patternStyle, canvas.Identity)
	}

	sigmaStyle := canvas.DefaultStyle
	sigmaStyle.Fill = canvas.Paint{Color: color.RGBA{255, 160, 122, 40}}
	sigmaStyle.Stroke = canvas.Paint{Color: r.Colors.Sigma}
	sigmaStyle.StrokeWidth = 0.05

	linkStyle := canvas.DefaultStyle
	linkStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	linkStyle.Stroke = canvas.Paint{Color: r.Colors.Link}
	linkStyle.StrokeWidth = 0.08

	matchedStyle := filled(r.Colors.Matched)
	predictedStyle := filled(r.Colors.Predicted)

	for _, p := range r.Report.Pairings {
		px, py := toCanvas(p.Predicted.Position)
		mx, my := toCanvas(p.Match.Reference.Position)

		renderer.RenderPath(canvas.Circle(r.Report.Noise.SigmaPosition).Translate(px, py), sigmaStyle, canvas.Identity)
		renderer.RenderPath(segment(px, py, mx, my), linkStyle, canvas.Identity)
		renderer.RenderPath(canvas.Circle(markerRadius(p.Match.Reference.Size)).Translate(mx, my), matchedStyle, canvas.Identity)
		renderer.RenderPath(canvas.Circle(0.25).Translate(px, py), predictedStyle, canvas.Identity)
	}

	if r.MatchesOnly {
		return
	}

	refStyle := canvas.DefaultStyle
	refStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	refStyle.Stroke = canvas.Paint{Color: r.Colors.Reference}
	refStyle.StrokeWidth = 0.15

	rx, ry := toCanvas(r.Report.Reference)
	renderer.RenderPath(segment(rx-0.8, ry, rx+0.8, ry), refStyle, canvas.Identity)
	renderer.RenderPath(segment(rx, ry-0.8, rx, ry+0.8), refStyle, canvas.Identity)
}

func filled(c color.RGBA) canvas.Style {
	s := canvas.DefaultStyle
	s.Fill = canvas.Paint{Color: c}
	s.Stroke = canvas.Paint{Color: canvas.Transparent}
	return s
}

func segment(x1, y1, x2, y2 float64) *canvas.Path {
	p := &canvas.Path{}
	p.MoveTo(x1, y1)
	p.LineTo(x2, y2)
	return p
}

// markerRadius is the trunk radius in meters, floored so thin stems stay visible.
func markerRadius(dbh float64) float64 {
	return math.Max(dbh/2, 0.15)
}
