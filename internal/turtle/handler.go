// Package turtle speaks the turtle-graphics side-channel protocol: JSON
// messages delimited by "\n\r" in both directions. Inbound messages create and
// mutate draw items; Update replays every item onto a Canvas with the origin
// moved to the canvas centre. Mouse input goes back as canvasevent messages.
package turtle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Delimiter terminates every message on the wire.
const Delimiter = "\n\r"

type itemKind int

const (
	itemLine itemKind = iota
	itemPolygon
	itemImage
	itemText
)

type item struct {
	kind   itemKind
	coords []float64
	style  Style
	text   string
	image  string
	hidden bool
}

type inbound struct {
	Cmd    string            `json:"cmd"`
	Action string            `json:"action"`
	Args   []json.RawMessage `json:"args"`
	Batch  []json.RawMessage `json:"batch"`
}

type resultMessage struct {
	Cmd    string `json:"cmd"`
	Result any    `json:"result"`
}

type exceptionMessage struct {
	Cmd       string `json:"cmd"`
	Exception string `json:"exception"`
	Message   string `json:"message"`
}

// CallError is raised back to the program as an exception reply.
type CallError struct {
	Exception string
	Message   string
}

func (e *CallError) Error() string { return e.Exception + ": " + e.Message }

func callErrorf(exc, format string, args ...any) *CallError {
	return &CallError{Exception: exc, Message: fmt.Sprintf(format, args...)}
}

// Handler owns the draw list of one running program.
type Handler struct {
	canvas Canvas
	logger *slog.Logger

	wmu sync.Mutex
	w   io.Writer

	mu         sync.Mutex
	items      []*item
	background string
	partial    []byte
}

// NewHandler replies on w and draws on canvas. logger may be nil.
func NewHandler(w io.Writer, canvas Canvas, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{canvas: canvas, logger: logger, w: w}
}

// Serve consumes r until EOF. A non-nil error is fatal for the session.
func (h *Handler) Serve(r io.Reader) error {
	_, err := io.Copy(h, r)
	return err
}

// Write accepts an arbitrarily split chunk of the inbound stream.
func (h *Handler) Write(p []byte) (int, error) {
	h.mu.Lock()
	data := append(h.partial, p...)
	var segments [][]byte
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		segments = append(segments, data[:i])
		data = data[i+1:]
	}
	h.partial = append([]byte(nil), data...)
	h.mu.Unlock()

	for _, seg := range segments {
		seg = bytes.Trim(seg, "\r \t")
		if len(seg) == 0 {
			continue
		}
		if err := h.handle(seg); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (h *Handler) handle(seg []byte) error {
	var msg inbound
	if err := json.Unmarshal(seg, &msg); err != nil {
		h.logger.Warn("turtle: dropping malformed message", "err", err)
		return nil
	}
	switch msg.Cmd {
	case "turtle":
		result, err := h.Call(msg.Action, msg.Args)
		if err != nil {
			var ce *CallError
			if !errors.As(err, &ce) {
				ce = &CallError{Exception: "RuntimeError", Message: err.Error()}
			}
			return h.send(exceptionMessage{Cmd: "exception", Exception: ce.Exception, Message: ce.Message})
		}
		return h.send(resultMessage{Cmd: "result", Result: result})
	case "turtlebatch":
		for _, raw := range msg.Batch {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
				h.logger.Warn("turtle: skipping malformed batch entry")
				continue
			}
			var action string
			if err := json.Unmarshal(pair[0], &action); err != nil {
				h.logger.Warn("turtle: skipping batch entry without action")
				continue
			}
			var args []json.RawMessage
			if len(pair) > 1 {
				if err := json.Unmarshal(pair[1], &args); err != nil {
					args = pair[1:]
				}
			}
			if _, err := h.Call(action, args); err != nil {
				h.logger.Warn("turtle: batch call failed", "action", action, "err", err)
			}
		}
		return nil
	case "debug":
		return nil
	default:
		h.logger.Warn("turtle: unknown command", "cmd", msg.Cmd)
		return nil
	}
}

func (h *Handler) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.w == nil {
		return nil
	}
	if _, err := h.w.Write(append(data, Delimiter...)); err != nil {
		return fmt.Errorf("turtle reply: %w", err)
	}
	return nil
}

// Call runs one named drawing operation.
func (h *Handler) Call(action string, args []json.RawMessage) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch action {
	case "create_line":
		return h.createLocked(itemLine, args), nil
	case "create_polygon":
		return h.createLocked(itemPolygon, args), nil
	case "create_image":
		it := &item{kind: itemImage}
		it.coords = []float64{argFloat(args, 0), argFloat(args, 1)}
		it.image = argString(args, 2)
		return h.appendLocked(it), nil
	case "create_text", "write":
		it := &item{kind: itemText}
		it.coords = []float64{argFloat(args, 0), argFloat(args, 1)}
		var opts struct {
			Style
			Text string `json:"text"`
		}
		if len(args) > 2 {
			if err := json.Unmarshal(args[2], &opts); err != nil {
				opts.Text = argString(args, 2)
			}
		}
		it.text = opts.Text
		it.style = opts.Style
		return h.appendLocked(it), nil
	case "coords":
		it, err := h.itemLocked(args)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return it.coords, nil
		}
		var coords []float64
		if err := json.Unmarshal(args[1], &coords); err != nil {
			return nil, callErrorf("TypeError", "coords: %v", err)
		}
		it.coords = coords
		return nil, nil
	case "itemconfigure", "itemconfig":
		it, err := h.itemLocked(args)
		if err != nil {
			return nil, err
		}
		if len(args) > 1 {
			var st Style
			if err := json.Unmarshal(args[1], &st); err != nil {
				return nil, callErrorf("TypeError", "itemconfigure: %v", err)
			}
			it.style = it.style.merge(st)
		}
		return nil, nil
	case "tag_raise":
		id := argInt(args, 0)
		if id < 0 || id >= len(h.items) {
			return nil, callErrorf("IndexError", "no item %d", id)
		}
		// ids are list positions, so raising re-draws the item last instead of moving it
		it := h.items[id]
		h.items[id] = &item{kind: it.kind, hidden: true}
		return h.appendLocked(it), nil
	case "delete":
		if argString(args, 0) == "all" {
			for _, it := range h.items {
				it.hidden = true
			}
			return nil, nil
		}
		it, err := h.itemLocked(args)
		if err != nil {
			return nil, err
		}
		it.hidden = true
		return nil, nil
	case "bgcolor":
		if len(args) > 0 {
			h.background = argString(args, 0)
		}
		return h.background, nil
	case "winfo_width":
		w, _ := h.canvas.Size()
		return w, nil
	case "winfo_height":
		_, ht := h.canvas.Size()
		return ht, nil
	case "update":
		h.updateLocked()
		return nil, nil
	default:
		return nil, callErrorf("AttributeError", "canvas has no operation %q", action)
	}
}

func (h *Handler) createLocked(kind itemKind, args []json.RawMessage) int {
	it := &item{kind: kind}
	for _, raw := range args {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			it.coords = append(it.coords, v)
		}
	}
	return h.appendLocked(it)
}

func (h *Handler) appendLocked(it *item) int {
	h.items = append(h.items, it)
	return len(h.items) - 1
}

func (h *Handler) itemLocked(args []json.RawMessage) (*item, error) {
	if len(args) == 0 {
		return nil, callErrorf("TypeError", "missing item id")
	}
	id := argInt(args, 0)
	if id < 0 || id >= len(h.items) {
		return nil, callErrorf("IndexError", "no item %d", id)
	}
	return h.items[id], nil
}

// Update clears the canvas and replays every visible item in list order.
func (h *Handler) Update() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateLocked()
}

func (h *Handler) updateLocked() {
	if h.canvas == nil {
		return
	}
	w, ht := h.canvas.Size()
	cx, cy := w/2, ht/2
	h.canvas.Clear(h.background)
	for _, it := range h.items {
		if it.hidden {
			continue
		}
		pts := make([]Point, 0, len(it.coords)/2)
		for i := 0; i+1 < len(it.coords); i += 2 {
			pts = append(pts, Point{X: it.coords[i] + cx, Y: it.coords[i+1] + cy})
		}
		switch it.kind {
		case itemLine:
			if len(pts) >= 2 {
				h.canvas.Line(pts, it.style)
			}
		case itemPolygon:
			if len(pts) >= 2 {
				h.canvas.Polygon(pts, it.style)
			}
		case itemImage:
			if len(pts) == 1 {
				h.canvas.Image(pts[0], it.image)
			}
		case itemText:
			if len(pts) == 1 {
				h.canvas.Text(pts[0], it.text, it.style)
			}
		}
	}
}

// Items reports how many draw items exist, hidden ones included.
func (h *Handler) Items() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// MouseAction distinguishes press from release.
type MouseAction int

const (
	MousePress MouseAction = iota
	MouseRelease
)

// MouseEvent is a UI pointer event in canvas pixels with a 0-based button.
type MouseEvent struct {
	Action MouseAction
	Button int
	X, Y   float64
}

type canvasEvent struct {
	Cmd  string  `json:"cmd"`
	Type string  `json:"type"`
	Num  int     `json:"num"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// SendMouse forwards a pointer event to the program.
func (h *Handler) SendMouse(ev MouseEvent) error {
	var w, ht float64
	if h.canvas != nil {
		w, ht = h.canvas.Size()
	}
	num := ev.Button + 1
	typ := fmt.Sprintf("<Button-%d>", num)
	if ev.Action == MouseRelease {
		typ = fmt.Sprintf("<ButtonRelease-%d>", num)
	}
	return h.send(canvasEvent{Cmd: "canvasevent", Type: typ, Num: num, X: ev.X - w/2, Y: ev.Y - ht/2})
}

func argFloat(args []json.RawMessage, i int) float64 {
	if i >= len(args) {
		return 0
	}
	var v float64
	_ = json.Unmarshal(args[i], &v)
	return v
}

func argInt(args []json.RawMessage, i int) int {
	return int(argFloat(args, i))
}

func argString(args []json.RawMessage, i int) string {
	if i >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return string(args[i])
	}
	return s
}
