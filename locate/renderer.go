package locate

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const maxPlotPixels = 4000

// PlotColors defines the colors of each plot element.
type PlotColors struct {
	Background color.RGBA
	Tree       color.RGBA
	Matched    color.RGBA
	Predicted  color.RGBA
	Sigma      color.RGBA
	Link       color.RGBA
	Reference  color.RGBA
	Pattern    color.RGBA
	Text       color.RGBA
}

// DefaultPlotColors returns the default palette.
func DefaultPlotColors() PlotColors {
	return PlotColors{
		Background: color.RGBA{240, 240, 240, 255},
		Tree:       color.RGBA{34, 139, 34, 255},  // Forest green
		Matched:    color.RGBA{0, 100, 0, 255},    // Dark green
		Predicted:  color.RGBA{255, 99, 71, 255},  // Tomato
		Sigma:      color.RGBA{255, 160, 122, 255}, // Light salmon
		Link:       color.RGBA{105, 105, 105, 255}, // Dim gray
		Reference:  color.RGBA{0, 0, 255, 255},    // Blue
		Pattern:    color.RGBA{75, 0, 130, 255},   // Indigo
		Text:       color.RGBA{0, 0, 0, 255},
	}
}

// PlotRenderer draws a report over the reference trees as a raster image.
// North is up.
type PlotRenderer struct {
	Report      *Report
	Index       *Index
	Scale       float64 // pixels per meter
	Padding     int
	MatchesOnly bool // hide unmatched trees and the reference, trace the predicted pattern
	Colors      PlotColors
}

// NewPlotRenderer creates a renderer from render settings.
func NewPlotRenderer(r *Report, ix *Index, cfg RenderConfig) *PlotRenderer {
	scale := cfg.Scale
	if !(scale > 0) {
		scale = 8
	}
	padding := cfg.Padding
	if padding < 0 {
		padding = 0
	}
	return &PlotRenderer{
		Report:      r,
		Index:       ix,
		Scale:       scale,
		Padding:     padding,
		MatchesOnly: cfg.MatchesOnly,
		Colors:      DefaultPlotColors(),
	}
}

// Bound returns the world extent the plot covers.
func (pr *PlotRenderer) Bound() orb.Bound {
	b := orb.Bound{Min: pr.Report.Reference, Max: pr.Report.Reference}
	sigma := pr.Report.Noise.SigmaPosition
	for _, p := range pr.Report.Pairings {
		b = b.Extend(p.Match.Reference.Position)
		b = b.Union(orb.Bound{
			Min: orb.Point{p.Predicted.Position[0] - sigma, p.Predicted.Position[1] - sigma},
			Max: orb.Point{p.Predicted.Position[0] + sigma, p.Predicted.Position[1] + sigma},
		})
	}
	if !pr.MatchesOnly && pr.Index.Len() > 0 {
		b = b.Union(pr.Index.Bound())
	}
	return b
}

// Render creates the plot image.
func (pr *PlotRenderer) Render() *image.RGBA {
	bound := pr.Bound()
	scale := pr.Scale

	w := bound.Max[0] - bound.Min[0]
	h := bound.Max[1] - bound.Min[1]
	if w*scale > maxPlotPixels {
		scale = maxPlotPixels / w
	}
	if h*scale > maxPlotPixels {
		scale = maxPlotPixels / h
	}
	width := int(w*scale) + 2*pr.Padding + 1
	height := int(h*scale) + 2*pr.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, pr.Colors.Background)
		}
	}

	toImage := func(p orb.Point) (int, int) {
		x := int(math.Round((p[0]-bound.Min[0])*scale)) + pr.Padding
		y := int(math.Round((bound.Max[1]-p[1])*scale)) + pr.Padding
		return x, y
	}

	// Database trees, sized by DBH
	if !pr.MatchesOnly {
		for _, tree := range pr.Index.All() {
			x, y := toImage(tree.Position)
			drawCircle(img, x, y, trunkRadius(tree.Size, scale), pr.Colors.Tree)
		}
	}

	// Predicted pattern, in observation order
	if pr.MatchesOnly {
		for i := 1; i < len(pr.Report.Pairings); i++ {
			x0, y0 := toImage(pr.Report.Pairings[i-1].Predicted.Position)
			x1, y1 := toImage(pr.Report.Pairings[i].Predicted.Position)
			drawLine(img, x0, y0, x1, y1, pr.Colors.Pattern)
		}
	}

	sigmaPx := int(math.Round(pr.Report.Noise.SigmaPosition * scale))
	for _, p := range pr.Report.Pairings {
		px, py := toImage(p.Predicted.Position)
		mx, my := toImage(p.Match.Reference.Position)

		drawRing(img, px, py, sigmaPx, pr.Colors.Sigma)
		drawLine(img, px, py, mx, my, pr.Colors.Link)
		drawCircle(img, mx, my, trunkRadius(p.Match.Reference.Size, scale), pr.Colors.Matched)
		drawCircle(img, px, py, 3, pr.Colors.Predicted)
		drawText(img, px+5, py-5, p.Predicted.Category, pr.Colors.Text)
	}

	if !pr.MatchesOnly {
		rx, ry := toImage(pr.Report.Reference)
		drawCross(img, rx, ry, 8, pr.Colors.Reference)
	}

	pr.drawLegend(img)

	return img
}

// EncodePNG writes the plot as PNG.
func (pr *PlotRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, pr.Render())
}

// SavePNG saves the plot to a file.
func (pr *PlotRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return pr.EncodePNG(f)
}

func (pr *PlotRenderer) drawLegend(img *image.RGBA) {
	r := pr.Report
	lines := []string{
		fmt.Sprintf("reference %.2f, %.2f", r.Reference[0], r.Reference[1]),
		fmt.Sprintf("-logL %.3f  %s", r.NegLogLikelihood, r.Status),
	}
	if r.Survey != "" {
		lines = append([]string{r.Survey}, lines...)
	}
	y := 15
	for _, line := range lines {
		drawText(img, 10, y, line, pr.Colors.Text)
		y += 15
	}
}

// trunkRadius converts a DBH in meters to a marker radius, never below 2 px.
func trunkRadius(dbh, scale float64) int {
	r := int(math.Round(dbh / 2 * scale))
	if r < 2 {
		return 2
	}
	return r
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawRing draws a one-pixel circle outline.
func drawRing(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	if radius <= 0 {
		return
	}
	steps := int(2*math.Pi*float64(radius)) + 8
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		x := cx + int(math.Round(float64(radius)*math.Cos(a)))
		y := cy + int(math.Round(float64(radius)*math.Sin(a)))
		setPixel(img, x, y, c)
	}
}

// drawLine draws a line with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// drawCross draws a plus-shaped marker two pixels thick.
func drawCross(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	for d := -size; d <= size; d++ {
		for t := 0; t <= 1; t++ {
			setPixel(img, cx+d, cy+t, c)
			setPixel(img, cx+t, cy+d, c)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
