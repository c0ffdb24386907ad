package lang

import (
	"strings"

	"github.com/antonkrylov/runbox/internal/diagnostic"
)

const (
	gccPattern   = `^(?P<file>[^:\s]+):(?P<row>\d+):(?P<column>\d+):\s*(?P<severity>[a-z ]+):\s*(?P<text>.*)$`
	javacPattern = `^(?P<file>[^:\s]+\.java):(?P<row>\d+):\s*(?P<severity>error|warning):\s*(?P<text>.*)$`
	pyPattern    = `(?s)^\s*File "(?P<file>[^"]+)", line (?P<row>\d+).*\n(?P<severity>\w*Error): (?P<text>[^\n]*)$`
	bashPattern  = `^(?P<file>[^:\s]+): line (?P<row>\d+): (?P<text>.*)$`
)

var builtins = Table{
	"c": {
		Name:        "c",
		DisplayName: "C",
		Compile:     Command{Shell: "gcc -std=c11 -Wall -g -o main $FILES -lm"},
		Exec:        Command{Args: []string{"./main"}},
		Test:        Command{Shell: "sh ./test.sh"},
		Sources:     []string{".c"},
		Channels:    []Channel{{Kind: ChannelResults, ObjectMode: true}},
		Matchers:    []diagnostic.MatcherSpec{{Pattern: gccPattern}},
		Term:        true,
	},
	"cpp": {
		Name:        "cpp",
		DisplayName: "C++",
		Compile:     Command{Shell: "g++ -std=c++17 -Wall -g -o main $FILES"},
		Exec:        Command{Args: []string{"./main"}},
		Test:        Command{Shell: "sh ./test.sh"},
		Sources:     []string{".cpp", ".cc", ".cxx"},
		Channels:    []Channel{{Kind: ChannelResults, ObjectMode: true}},
		Matchers:    []diagnostic.MatcherSpec{{Pattern: gccPattern}},
		Term:        true,
	},
	"java": {
		Name:        "java",
		DisplayName: "Java",
		Compile:     Command{Shell: "javac -encoding UTF-8 $FILES"},
		Exec:        Command{Func: javaMain},
		Test:        Command{Shell: "sh ./test.sh"},
		Sources:     []string{".java"},
		Channels:    []Channel{{Kind: ChannelResults, ObjectMode: true}},
		Matchers:    []diagnostic.MatcherSpec{{Pattern: javacPattern}},
		Term:        true,
	},
	"python3": {
		Name:        "python3",
		DisplayName: "Python 3",
		Compile:     Command{Shell: "python3 -m py_compile $FILES"},
		Exec:        Command{Shell: "python3 -u $MAINFILE"},
		Test:        Command{Args: []string{"python3", "-u", "test.py"}},
		Sources:     []string{".py"},
		Env: map[string]string{
			"PYTHONUNBUFFERED":        "1",
			"PYTHONDONTWRITEBYTECODE": "1",
			"MPLBACKEND":              "module://runbox_backend",
		},
		Channels: []Channel{
			{Kind: ChannelMatplotlib},
			{Kind: ChannelTurtle},
			{Kind: ChannelResults, ObjectMode: true},
		},
		Matchers:   []diagnostic.MatcherSpec{{Pattern: pyPattern}},
		GroupWidth: 4,
		Term:       true,
	},
	"bash": {
		Name:        "bash",
		DisplayName: "Bash",
		Compile:     Command{Shell: "bash -n $MAINFILE"},
		Exec: Command{Func: func(_ []string, mainFile, _ string) []string {
			return []string{"bash", mainFile}
		}},
		Sources:  []string{".sh"},
		Matchers: []diagnostic.MatcherSpec{{Pattern: bashPattern, Severity: "error"}},
		Term:     true,
	},
	"python-skulpt": {
		Name:        "python-skulpt",
		DisplayName: "Python (browser)",
		Runtime:     RuntimeSkulpt,
		Sources:     []string{".py"},
	},
}

// Builtins returns a fresh copy of the built-in table.
func Builtins() Table {
	t := make(Table, len(builtins))
	for k, v := range builtins {
		t[k] = v.clone()
	}
	return t
}

func javaMain(_ []string, mainFile, _ string) []string {
	class := strings.TrimSuffix(mainFile, ".java")
	class = strings.ReplaceAll(class, "/", ".")
	return []string{"java", "-cp", ".", class}
}
