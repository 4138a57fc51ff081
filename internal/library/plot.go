package library

import (
	"bytes"
	"fmt"
	"html"
	"image"
	"image/draw"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

// PlotPackage is a small pyplot-style charting library. Figures render to
// SVG and are rasterized to PNG on demand.
func PlotPackage() Package {
	return Package{
		Name:        "plot",
		Description: "line, scatter and bar charts saved as PNG or SVG",
		Load: func(h Host) (starlark.StringDict, error) {
			p := &plotter{host: h, rc: loadPlotRC(h)}
			p.fig = p.newFigure(p.rc.Width, p.rc.Height)
			return exportModule("plot", starlark.StringDict{
				"figure":  starlark.NewBuiltin("figure", p.figure),
				"plot":    starlark.NewBuiltin("plot", p.line),
				"scatter": starlark.NewBuiltin("scatter", p.scatter),
				"bar":     starlark.NewBuiltin("bar", p.bar),
				"title":   starlark.NewBuiltin("title", p.setText(func(f *figure, s string) { f.title = s })),
				"xlabel":  starlark.NewBuiltin("xlabel", p.setText(func(f *figure, s string) { f.xlabel = s })),
				"ylabel":  starlark.NewBuiltin("ylabel", p.setText(func(f *figure, s string) { f.ylabel = s })),
				"savefig": starlark.NewBuiltin("savefig", p.savefig),
				"show":    starlark.NewBuiltin("show", noop),
				"legend":  starlark.NewBuiltin("legend", noop),
				"close":   starlark.NewBuiltin("close", p.close),
			}), nil
		},
	}
}

// PlotRCName is the optional style file read from the home directory.
const PlotRCName = ".plotrc.yaml"

var defaultPalette = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd", "#8c564b"}

type plotRC struct {
	Width   int      `yaml:"width"`
	Height  int      `yaml:"height"`
	Palette []string `yaml:"palette"`
}

// loadPlotRC reads style defaults from the home directory. A missing or
// malformed file falls back to built-in defaults.
func loadPlotRC(h Host) plotRC {
	rc := plotRC{Width: 640, Height: 480, Palette: defaultPalette}
	data, err := afero.ReadFile(h.FS(), filepath.Join(h.Home(), PlotRCName))
	if err != nil {
		return rc
	}
	var file plotRC
	if err := yaml.Unmarshal(data, &file); err != nil {
		return rc
	}
	if file.Width > 0 && file.Height > 0 {
		rc.Width, rc.Height = file.Width, file.Height
	}
	if len(file.Palette) > 0 {
		rc.Palette = file.Palette
	}
	return rc
}

type series struct {
	kind   string // line, scatter, bar
	xs, ys []float64
	labels []string
	color  string
}

type figure struct {
	width, height         int
	title, xlabel, ylabel string
	palette               []string
	series                []series
}

func newFigure(w, h int) *figure { return &figure{width: w, height: h, palette: defaultPalette} }

func (f *figure) nextColor(c string) string {
	if c != "" {
		return c
	}
	return f.palette[len(f.series)%len(f.palette)]
}

type plotter struct {
	host Host
	rc   plotRC
	fig  *figure
}

func (p *plotter) newFigure(w, h int) *figure {
	f := newFigure(w, h)
	f.palette = p.rc.Palette
	return f
}

func noop(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func (p *plotter) figure(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	w, h := p.rc.Width, p.rc.Height
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "width?", &w, "height?", &h); err != nil {
		return nil, err
	}
	if w < 64 || h < 64 || w > 4096 || h > 4096 {
		return nil, NewException("ValueError", "figure size %dx%d out of range", w, h)
	}
	p.fig = p.newFigure(w, h)
	return starlark.None, nil
}

func (p *plotter) close(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	p.fig = p.newFigure(p.fig.width, p.fig.height)
	return starlark.None, nil
}

func (p *plotter) setText(set func(*figure, string)) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		set(p.fig, s)
		return starlark.None, nil
	}
}

func (p *plotter) line(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, yv starlark.Value
	var color, label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "y?", &yv, "color?", &color, "label?", &label); err != nil {
		return nil, err
	}
	xs, ys, err := xy(b.Name(), xv, yv)
	if err != nil {
		return nil, err
	}
	p.fig.series = append(p.fig.series, series{kind: "line", xs: xs, ys: ys, color: p.fig.nextColor(color)})
	return starlark.None, nil
}

func (p *plotter) scatter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, yv starlark.Value
	var color string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "y", &yv, "color?", &color); err != nil {
		return nil, err
	}
	xs, ys, err := xy(b.Name(), xv, yv)
	if err != nil {
		return nil, err
	}
	p.fig.series = append(p.fig.series, series{kind: "scatter", xs: xs, ys: ys, color: p.fig.nextColor(color)})
	return starlark.None, nil
}

// bar accepts either numeric positions or category labels for x.
func (p *plotter) bar(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, hv starlark.Value
	var color string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "height", &hv, "color?", &color); err != nil {
		return nil, err
	}
	heights, err := floats(b.Name(), hv)
	if err != nil {
		return nil, err
	}
	s := series{kind: "bar", ys: heights, color: p.fig.nextColor(color)}
	if xs, err := floats(b.Name(), xv); err == nil {
		s.xs = xs
	} else {
		rows, err := stringRows(starlark.NewList([]starlark.Value{xv}))
		if err != nil {
			return nil, err
		}
		s.labels = rows[0]
		for i := range s.labels {
			s.xs = append(s.xs, float64(i))
		}
	}
	if len(s.xs) != len(s.ys) {
		return nil, NewException("ValueError", "bar: x has %d entries, height has %d", len(s.xs), len(s.ys))
	}
	p.fig.series = append(p.fig.series, s)
	return starlark.None, nil
}

func xy(name string, xv, yv starlark.Value) ([]float64, []float64, error) {
	first, err := floats(name, xv)
	if err != nil {
		return nil, nil, err
	}
	if yv == nil || yv == starlark.None {
		xs := make([]float64, len(first))
		for i := range xs {
			xs[i] = float64(i)
		}
		return xs, first, nil
	}
	ys, err := floats(name, yv)
	if err != nil {
		return nil, nil, err
	}
	if len(first) != len(ys) {
		return nil, nil, NewException("ValueError", "%s: x has %d entries, y has %d", name, len(first), len(ys))
	}
	return first, ys, nil
}

func (p *plotter) savefig(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fname", &name); err != nil {
		return nil, err
	}
	full, err := p.host.Resolve(name)
	if err != nil {
		return nil, NewException("PermissionError", "%v", err)
	}
	if err := ensureParent(p.host.FS(), full, name); err != nil {
		return nil, err
	}

	svg := renderSVG(p.fig)
	var data []byte
	switch strings.ToLower(filepath.Ext(name)) {
	case ".svg":
		data = svg
	case ".png":
		data, err = rasterizePNG(svg, p.fig.width, p.fig.height)
		if err != nil {
			return nil, err
		}
	default:
		return nil, NewException("ValueError", "unsupported image format %q (use .png or .svg)", filepath.Ext(name))
	}
	if err := afero.WriteFile(p.host.FS(), full, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", name, err)
	}
	return starlark.None, nil
}

// --- Rendering ---

const (
	marginLeft   = 64.0
	marginRight  = 24.0
	marginTop    = 40.0
	marginBottom = 52.0
)

type bounds struct{ xmin, xmax, ymin, ymax float64 }

func (f *figure) bounds() bounds {
	b := bounds{math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)}
	for _, s := range f.series {
		for i := range s.xs {
			b.xmin = math.Min(b.xmin, s.xs[i])
			b.xmax = math.Max(b.xmax, s.xs[i])
			b.ymin = math.Min(b.ymin, s.ys[i])
			b.ymax = math.Max(b.ymax, s.ys[i])
		}
		if s.kind == "bar" {
			b.ymin = math.Min(b.ymin, 0)
			b.xmin -= 0.5
			b.xmax += 0.5
		}
	}
	if math.IsInf(b.xmin, 1) {
		return bounds{0, 1, 0, 1}
	}
	if b.xmax == b.xmin {
		b.xmin, b.xmax = b.xmin-1, b.xmax+1
	}
	if b.ymax == b.ymin {
		b.ymin, b.ymax = b.ymin-1, b.ymax+1
	}
	return b
}

// renderSVG draws the figure as a standalone SVG document.
func renderSVG(f *figure) []byte {
	w, h := float64(f.width), float64(f.height)
	pw, ph := w-marginLeft-marginRight, h-marginTop-marginBottom
	bd := f.bounds()
	px := func(x float64) float64 { return marginLeft + (x-bd.xmin)/(bd.xmax-bd.xmin)*pw }
	py := func(y float64) float64 { return marginTop + ph - (y-bd.ymin)/(bd.ymax-bd.ymin)*ph }

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", f.width, f.height, f.width, f.height)
	fmt.Fprintf(&sb, `<rect x="0" y="0" width="%d" height="%d" fill="#ffffff"/>`+"\n", f.width, f.height)

	for _, s := range f.series {
		switch s.kind {
		case "line":
			pts := make([]string, len(s.xs))
			for i := range s.xs {
				pts[i] = fmt.Sprintf("%.2f,%.2f", px(s.xs[i]), py(s.ys[i]))
			}
			fmt.Fprintf(&sb, `<polyline fill="none" stroke="%s" stroke-width="2" points="%s"/>`+"\n", html.EscapeString(s.color), strings.Join(pts, " "))
		case "scatter":
			for i := range s.xs {
				fmt.Fprintf(&sb, `<circle cx="%.2f" cy="%.2f" r="3.5" fill="%s"/>`+"\n", px(s.xs[i]), py(s.ys[i]), html.EscapeString(s.color))
			}
		case "bar":
			barW := pw / (bd.xmax - bd.xmin) * 0.8
			for i := range s.xs {
				top, base := py(math.Max(s.ys[i], 0)), py(math.Min(s.ys[i], 0))
				fmt.Fprintf(&sb, `<rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="%s"/>`+"\n",
					px(s.xs[i])-barW/2, top, barW, base-top, html.EscapeString(s.color))
				if i < len(s.labels) {
					fmt.Fprintf(&sb, `<text x="%.2f" y="%.2f" font-size="11" text-anchor="middle">%s</text>`+"\n",
						px(s.xs[i]), marginTop+ph+16, html.EscapeString(s.labels[i]))
				}
			}
		}
	}

	// Axes.
	fmt.Fprintf(&sb, `<line x1="%.2f" y1="%.2f" x2="%.2f" y2="%.2f" stroke="#333333" stroke-width="1"/>`+"\n", marginLeft, marginTop+ph, marginLeft+pw, marginTop+ph)
	fmt.Fprintf(&sb, `<line x1="%.2f" y1="%.2f" x2="%.2f" y2="%.2f" stroke="#333333" stroke-width="1"/>`+"\n", marginLeft, marginTop, marginLeft, marginTop+ph)
	for i := 0; i <= 4; i++ {
		y := bd.ymin + (bd.ymax-bd.ymin)*float64(i)/4
		fmt.Fprintf(&sb, `<line x1="%.2f" y1="%.2f" x2="%.2f" y2="%.2f" stroke="#333333" stroke-width="1"/>`+"\n", marginLeft-4, py(y), marginLeft, py(y))
		fmt.Fprintf(&sb, `<text x="%.2f" y="%.2f" font-size="10" text-anchor="end">%s</text>`+"\n", marginLeft-6, py(y)+3, formatTick(y))
	}

	if f.title != "" {
		fmt.Fprintf(&sb, `<text x="%.2f" y="24" font-size="16" text-anchor="middle">%s</text>`+"\n", w/2, html.EscapeString(f.title))
	}
	if f.xlabel != "" {
		fmt.Fprintf(&sb, `<text x="%.2f" y="%.2f" font-size="12" text-anchor="middle">%s</text>`+"\n", marginLeft+pw/2, h-12, html.EscapeString(f.xlabel))
	}
	if f.ylabel != "" {
		fmt.Fprintf(&sb, `<text x="14" y="%.2f" font-size="12" text-anchor="middle" transform="rotate(-90 14 %.2f)">%s</text>`+"\n", marginTop+ph/2, marginTop+ph/2, html.EscapeString(f.ylabel))
	}
	sb.WriteString("</svg>\n")
	return []byte(sb.String())
}

func formatTick(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e9 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.3g", v)
}

// rasterizePNG renders an SVG document into a PNG of the given size. Text
// elements are skipped by the rasterizer.
func rasterizePNG(svg []byte, width, height int) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, fmt.Errorf("parsing svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(width), float64(height))

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(width, height, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
