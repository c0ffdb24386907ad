package diagnostic

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrMissingPattern is returned when a matcher has no regular expression.
var ErrMissingPattern = errors.New("diagnostic matcher: pattern is required")

// Field names a diagnostic attribute a capture group can fill.
type Field string

const (
	FieldFile     Field = "file"
	FieldRow      Field = "row"
	FieldColumn   Field = "column"
	FieldSeverity Field = "severity"
	FieldText     Field = "text"
)

var allFields = []Field{FieldFile, FieldRow, FieldColumn, FieldSeverity, FieldText}

// MatcherSpec configures one line matcher. Pattern uses named groups; Groups
// optionally renames them (field -> group name). Severity is used when the
// pattern has no severity group.
type MatcherSpec struct {
	Pattern  string           `yaml:"pattern" json:"pattern"`
	Groups   map[Field]string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Severity string           `yaml:"severity,omitempty" json:"severity,omitempty"`
}

type matcher struct {
	re       *regexp.Regexp
	index    map[Field]int
	severity Severity
}

func compileMatcher(spec MatcherSpec) (*matcher, error) {
	if strings.TrimSpace(spec.Pattern) == "" {
		return nil, ErrMissingPattern
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("diagnostic matcher %q: %w", spec.Pattern, err)
	}
	m := &matcher{re: re, index: make(map[Field]int), severity: ParseSeverity(spec.Severity)}
	for _, f := range allFields {
		name := string(f)
		if alias, ok := spec.Groups[f]; ok && alias != "" {
			name = alias
		}
		if i := re.SubexpIndex(name); i > 0 {
			m.index[f] = i
		}
	}
	return m, nil
}

func (m *matcher) match(window string) (Diagnostic, bool) {
	sub := m.re.FindStringSubmatch(window)
	if sub == nil {
		return Diagnostic{}, false
	}
	get := func(f Field) string {
		if i, ok := m.index[f]; ok {
			return sub[i]
		}
		return ""
	}
	d := Diagnostic{
		File:     strings.TrimSpace(get(FieldFile)),
		Row:      atoiDefault(get(FieldRow), 1),
		Column:   atoiDefault(get(FieldColumn), 1),
		Severity: m.severity,
		Message:  strings.TrimSpace(get(FieldText)),
		Raw:      window,
	}
	if _, ok := m.index[FieldSeverity]; ok {
		d.Severity = ParseSeverity(get(FieldSeverity))
	}
	return d, true
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// Parser consumes line-oriented compiler output and collects diagnostics.
// It keeps a sliding window of the last GroupWidth lines and tries every
// matcher against the joined window after each complete line.
//
// Parser is an io.WriteCloser; Close flushes a trailing partial line and,
// when fewer than GroupWidth lines were seen, tries the short window once.
type Parser struct {
	matchers []*matcher
	width    int
	overlap  bool

	mu      sync.Mutex
	partial []byte
	window  []string
	seen    int
	last    *Diagnostic
	diags   []Diagnostic
	onDiag  func(Diagnostic)
}

// Options tune a Parser.
type Options struct {
	// GroupWidth is the number of physical lines joined before matching. Default 1.
	GroupWidth int
	// Overlap keeps repeated identical detections from consecutive windows.
	Overlap bool
	// OnDiagnostic is called synchronously for every emitted diagnostic.
	OnDiagnostic func(Diagnostic)
}

// NewParser compiles the matchers. A matcher without a pattern is an error.
func NewParser(specs []MatcherSpec, opts Options) (*Parser, error) {
	p := &Parser{width: opts.GroupWidth, overlap: opts.Overlap, onDiag: opts.OnDiagnostic}
	if p.width <= 0 {
		p.width = 1
	}
	for _, spec := range specs {
		m, err := compileMatcher(spec)
		if err != nil {
			return nil, err
		}
		p.matchers = append(p.matchers, m)
	}
	return p, nil
}

func (p *Parser) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := append(p.partial, b...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		p.pushLocked(strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	p.partial = append([]byte(nil), data...)
	return len(b), nil
}

// Close ends the stream.
func (p *Parser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.partial) > 0 {
		p.pushLocked(strings.TrimRight(string(p.partial), "\r"))
		p.partial = nil
	}
	if p.seen > 0 && p.seen < p.width {
		p.tryLocked()
	}
	return nil
}

// Diagnostics returns a copy of everything emitted so far.
func (p *Parser) Diagnostics() []Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Diagnostic(nil), p.diags...)
}

func (p *Parser) pushLocked(line string) {
	p.seen++
	p.window = append(p.window, line)
	if len(p.window) > p.width {
		p.window = p.window[len(p.window)-p.width:]
	}
	if len(p.window) == p.width {
		p.tryLocked()
	}
}

func (p *Parser) tryLocked() {
	joined := strings.Join(p.window, "\n")
	for _, m := range p.matchers {
		d, ok := m.match(joined)
		if !ok {
			continue
		}
		if !p.overlap && p.width > 1 && p.last != nil && sameLocation(*p.last, d) {
			return
		}
		p.last = &d
		p.diags = append(p.diags, d)
		if p.onDiag != nil {
			p.onDiag(d)
		}
		return
	}
}

func sameLocation(a, b Diagnostic) bool {
	return a.File == b.File && a.Row == b.Row && a.Column == b.Column && a.Message == b.Message
}
