package turtle

// Point is a canvas position in pixels, origin top-left.
type Point struct {
	X, Y float64
}

// Style carries the item options a drawing program can configure.
type Style struct {
	Fill     string  `json:"fill,omitempty"`
	Outline  string  `json:"outline,omitempty"`
	Width    float64 `json:"width,omitempty"`
	Font     string  `json:"font,omitempty"`
	Anchor   string  `json:"anchor,omitempty"`
	Capstyle string  `json:"capstyle,omitempty"`
}

func (s Style) merge(o Style) Style {
	if o.Fill != "" {
		s.Fill = o.Fill
	}
	if o.Outline != "" {
		s.Outline = o.Outline
	}
	if o.Width != 0 {
		s.Width = o.Width
	}
	if o.Font != "" {
		s.Font = o.Font
	}
	if o.Anchor != "" {
		s.Anchor = o.Anchor
	}
	if o.Capstyle != "" {
		s.Capstyle = o.Capstyle
	}
	return s
}

// Canvas is the drawing surface the handler replays items onto. Coordinates
// passed to a Canvas are already translated to the top-left origin.
type Canvas interface {
	Size() (width, height float64)
	Clear(background string)
	Line(points []Point, style Style)
	Polygon(points []Point, style Style)
	Image(at Point, name string)
	Text(at Point, text string, style Style)
}

// Op is one call recorded by a Recorder.
type Op struct {
	Kind   string
	Points []Point
	Text   string
	Style  Style
}

// Recorder is a headless Canvas that remembers the calls since the last Clear.
type Recorder struct {
	Width, Height float64
	Background    string
	Ops           []Op
	Clears        int
}

// NewRecorder returns a recorder of the given size.
func NewRecorder(width, height float64) *Recorder {
	return &Recorder{Width: width, Height: height}
}

func (r *Recorder) Size() (float64, float64) { return r.Width, r.Height }

func (r *Recorder) Clear(background string) {
	r.Background = background
	r.Ops = nil
	r.Clears++
}

func (r *Recorder) Line(points []Point, style Style) {
	r.Ops = append(r.Ops, Op{Kind: "line", Points: points, Style: style})
}

func (r *Recorder) Polygon(points []Point, style Style) {
	r.Ops = append(r.Ops, Op{Kind: "polygon", Points: points, Style: style})
}

func (r *Recorder) Image(at Point, name string) {
	r.Ops = append(r.Ops, Op{Kind: "image", Points: []Point{at}, Text: name})
}

func (r *Recorder) Text(at Point, text string, style Style) {
	r.Ops = append(r.Ops, Op{Kind: "text", Points: []Point{at}, Text: text, Style: style})
}
