package diagnostic

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity ranks a diagnostic. The zero value is SevInfo.
type Severity int

const (
	SevInfo Severity = iota
	SevWarning
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevWarning:
		return "warning"
	case SevError:
		return "error"
	default:
		return "info"
	}
}

// MarshalText lets severities travel as plain strings in JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	*s = ParseSeverity(string(text))
	return nil
}

var (
	reSevError     = regexp.MustCompile(`(?i)error`)
	reSevWarning   = regexp.MustCompile(`(?i)warning`)
	reSevErrorHead = regexp.MustCompile(`(?i)^e`)
	reSevWarnHead  = regexp.MustCompile(`(?i)^w`)
)

// ParseSeverity maps a compiler label to a Severity. The words "error" and
// "warning" win over leading letters; anything else is info.
func ParseSeverity(label string) Severity {
	label = strings.TrimSpace(label)
	switch {
	case reSevError.MatchString(label):
		return SevError
	case reSevWarning.MatchString(label):
		return SevWarning
	case reSevErrorHead.MatchString(label):
		return SevError
	case reSevWarnHead.MatchString(label):
		return SevWarning
	default:
		return SevInfo
	}
}

// Diagnostic is one compiler or interpreter message tied to a file location.
// The parser emits 1-based Row/Column; Rebased converts to editor coordinates.
type Diagnostic struct {
	File     string   `json:"file"`
	Row      int      `json:"row"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Raw      string   `json:"raw,omitempty"`
}

// Rebased returns a copy with 0-based row and column, clamped at zero.
func (d Diagnostic) Rebased() Diagnostic {
	d.Row = max(d.Row-1, 0)
	d.Column = max(d.Column-1, 0)
	return d
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Row, d.Column, d.Severity, d.Message)
}

// ByFile groups diagnostics by file name, keeping input order within a file.
func ByFile(diags []Diagnostic) map[string][]Diagnostic {
	out := make(map[string][]Diagnostic)
	for _, d := range diags {
		out[d.File] = append(out[d.File], d)
	}
	return out
}
