package turtle

import (
	"fmt"
	"html"
	"io"
	"strings"
)

// SVG is a Canvas that renders the latest frame as an SVG document.
type SVG struct {
	Width, Height float64

	background string
	body       strings.Builder
}

// NewSVG returns an SVG canvas of the given size.
func NewSVG(width, height float64) *SVG {
	return &SVG{Width: width, Height: height}
}

func (s *SVG) Size() (float64, float64) { return s.Width, s.Height }

func (s *SVG) Clear(background string) {
	s.background = background
	s.body.Reset()
}

func (s *SVG) Line(points []Point, style Style) {
	width := style.Width
	if width == 0 {
		width = 1
	}
	fmt.Fprintf(&s.body, `<polyline points="%s" fill="none" stroke="%s" stroke-width="%g" stroke-linecap="%s"/>`+"\n",
		svgPoints(points), colorOr(style.Fill, "black"), width, capOr(style.Capstyle))
}

func (s *SVG) Polygon(points []Point, style Style) {
	width := style.Width
	if width == 0 {
		width = 1
	}
	fmt.Fprintf(&s.body, `<polygon points="%s" fill="%s" stroke="%s" stroke-width="%g"/>`+"\n",
		svgPoints(points), colorOr(style.Fill, "none"), colorOr(style.Outline, "none"), width)
}

func (s *SVG) Image(at Point, name string) {
	fmt.Fprintf(&s.body, `<image x="%g" y="%g" href="%s"/>`+"\n", at.X, at.Y, html.EscapeString(name))
}

func (s *SVG) Text(at Point, text string, style Style) {
	anchor := "start"
	switch {
	case strings.Contains(style.Anchor, "center"):
		anchor = "middle"
	case strings.HasSuffix(style.Anchor, "e"):
		anchor = "end"
	}
	fmt.Fprintf(&s.body, `<text x="%g" y="%g" fill="%s" text-anchor="%s">%s</text>`+"\n",
		at.X, at.Y, colorOr(style.Fill, "black"), anchor, html.EscapeString(text))
}

// WriteTo emits the current frame.
func (s *SVG) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g">`+"\n", s.Width, s.Height)
	if s.background != "" {
		fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="%s"/>`+"\n", s.background)
	}
	b.WriteString(s.body.String())
	b.WriteString("</svg>\n")
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func svgPoints(points []Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%g,%g", p.X, p.Y)
	}
	return strings.Join(parts, " ")
}

func colorOr(c, def string) string {
	if c == "" {
		return def
	}
	return html.EscapeString(c)
}

func capOr(c string) string {
	switch c {
	case "round", "square":
		return c
	case "projecting":
		return "square"
	default:
		return "butt"
	}
}
