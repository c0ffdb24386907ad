package lang

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Command is a compile, exec or test command in one of three forms: a fixed
// argument list, a shell string with $FILES and $MAINFILE placeholders, or a
// function of the file list, main file and project name.
type Command struct {
	Args  []string
	Shell string
	Func  func(files []string, mainFile, project string) []string
}

// IsZero reports an unset command.
func (c Command) IsZero() bool {
	return len(c.Args) == 0 && strings.TrimSpace(c.Shell) == "" && c.Func == nil
}

// Resolve returns the argv to execute.
func (c Command) Resolve(files []string, mainFile, project string) ([]string, error) {
	switch {
	case c.Func != nil:
		argv := c.Func(files, mainFile, project)
		if len(argv) == 0 {
			return nil, fmt.Errorf("command function returned no arguments")
		}
		return argv, nil
	case len(c.Args) > 0:
		return append([]string(nil), c.Args...), nil
	case strings.TrimSpace(c.Shell) != "":
		quoted := make([]string, len(files))
		for i, f := range files {
			quoted[i] = shellQuote(f)
		}
		script := strings.NewReplacer(
			"$FILES", strings.Join(quoted, " "),
			"$MAINFILE", shellQuote(mainFile),
		).Replace(c.Shell)
		return []string{"sh", "-c", script}, nil
	}
	return nil, fmt.Errorf("command is empty")
}

func (c Command) String() string {
	switch {
	case c.Func != nil:
		return "<func>"
	case len(c.Args) > 0:
		return strings.Join(c.Args, " ")
	}
	return c.Shell
}

// UnmarshalYAML accepts a sequence (argument list) or a scalar (shell form).
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = Command{Args: args}
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*c = Command{Shell: s}
	default:
		return fmt.Errorf("line %d: command must be a list or a string", node.Line)
	}
	return nil
}

// MarshalYAML writes the argument list or shell form; function commands
// cannot be represented.
func (c Command) MarshalYAML() (any, error) {
	if len(c.Args) > 0 {
		return c.Args, nil
	}
	if c.Shell != "" {
		return c.Shell, nil
	}
	return nil, nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./+-]+$`)

func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
