package lang

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/antonkrylov/runbox/internal/diagnostic"
)

func TestCommandResolveForms(t *testing.T) {
	files := []string{"main.c", "my util.c"}

	argv, err := Command{Args: []string{"./main", "-v"}}.Resolve(files, "main.c", "demo")
	if err != nil || !reflect.DeepEqual(argv, []string{"./main", "-v"}) {
		t.Fatalf("args form: %v %v", argv, err)
	}

	argv, err = Command{Shell: "gcc -o main $FILES && echo $MAINFILE"}.Resolve(files, "main.c", "demo")
	if err != nil {
		t.Fatalf("shell form: %v", err)
	}
	want := []string{"sh", "-c", "gcc -o main main.c 'my util.c' && echo main.c"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("shell form: got %q want %q", argv, want)
	}

	fn := Command{Func: func(files []string, main, project string) []string {
		return []string{project, main, files[1]}
	}}
	argv, err = fn.Resolve(files, "main.c", "demo")
	if err != nil || !reflect.DeepEqual(argv, []string{"demo", "main.c", "my util.c"}) {
		t.Fatalf("func form: %v %v", argv, err)
	}

	if _, err := (Command{}).Resolve(files, "main.c", "demo"); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if !(Command{}).IsZero() {
		t.Fatalf("zero command should report IsZero")
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"main.c":    "main.c",
		"a b.c":     "'a b.c'",
		"it's.py":   `'it'\''s.py'`,
		"":          "''",
		"dir/x-1.c": "dir/x-1.c",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuiltins(t *testing.T) {
	for _, name := range Names() {
		cfg, err := Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("builtin %s invalid: %v", name, err)
		}
	}
	if _, err := Lookup("cobol"); !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}

	py, _ := Lookup("Python3")
	if got := py.ChannelsFor(false); len(got) != 2 || got[0].Kind != ChannelMatplotlib || got[1].Kind != ChannelTurtle {
		t.Fatalf("run channels: %+v", got)
	}
	if got := py.ChannelsFor(true); len(got) != 3 || got[2].Kind != ChannelResults || !got[2].ObjectMode {
		t.Fatalf("test channels: %+v", got)
	}
	if got := py.SourceFiles([]string{"main.py", "data.csv", "lib.PY"}); !reflect.DeepEqual(got, []string{"main.py", "lib.PY"}) {
		t.Fatalf("source filter: %v", got)
	}

	java, _ := Lookup("java")
	argv, err := java.Exec.Resolve(nil, "Main.java", "demo")
	if err != nil || !reflect.DeepEqual(argv, []string{"java", "-cp", ".", "Main"}) {
		t.Fatalf("java exec: %v %v", argv, err)
	}

	skulpt, _ := Lookup("python-skulpt")
	if skulpt.RuntimeOrDefault() != RuntimeSkulpt {
		t.Fatalf("expected skulpt runtime")
	}
}

func TestBashSyntaxCheckMatcher(t *testing.T) {
	bash, _ := Lookup("bash")
	argv, err := bash.Compile.Resolve([]string{"main.sh"}, "main.sh", "demo")
	if err != nil || len(argv) == 0 {
		t.Fatalf("bash compile: %v %v", argv, err)
	}
	p, err := diagnostic.NewParser(bash.Matchers, diagnostic.Options{GroupWidth: bash.GroupWidth})
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	_, _ = io.WriteString(p, "main.sh: line 3: syntax error near unexpected token `fi'\n")
	_ = p.Close()
	diags := p.Diagnostics()
	if len(diags) != 1 || diags[0].File != "main.sh" || diags[0].Row != 3 || diags[0].Severity != diagnostic.SevError {
		t.Fatalf("unexpected diagnostics %+v", diags)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	a, _ := Lookup("python3")
	a.Env["EXTRA"] = "1"
	a.Channels[0].Kind = ChannelResults
	b, _ := Lookup("python3")
	if _, ok := b.Env["EXTRA"]; ok || b.Channels[0].Kind != ChannelMatplotlib {
		t.Fatalf("built-in table mutated through Lookup")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	data := `
python3:
  exec: ["python3", "-X", "dev", "main.py"]
  env:
    PYTHONHASHSEED: "0"
rust:
  displayName: Rust
  compile: "rustc -o main $MAINFILE"
  exec: ["./main"]
  sources: [".rs"]
  matchers:
    - pattern: '^error(?:\[\w+\])?: (?P<text>.*)$'
      severity: error
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("load overrides: %v", err)
	}
	py, err := table.Lookup("python3")
	if err != nil {
		t.Fatalf("lookup python3: %v", err)
	}
	if !reflect.DeepEqual(py.Exec.Args, []string{"python3", "-X", "dev", "main.py"}) {
		t.Fatalf("exec not overridden: %+v", py.Exec)
	}
	if py.GroupWidth != 4 || py.Compile.Shell == "" {
		t.Fatalf("unspecified fields should be kept: %+v", py)
	}
	rust, err := table.Lookup("rust")
	if err != nil {
		t.Fatalf("lookup rust: %v", err)
	}
	argv, _ := rust.Compile.Resolve([]string{"main.rs"}, "main.rs", "demo")
	if !reflect.DeepEqual(argv, []string{"sh", "-c", "rustc -o main main.rs"}) {
		t.Fatalf("rust compile: %v", argv)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("broken:\n  exec: {a: b}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOverrides(bad); err == nil {
		t.Fatalf("expected error for mapping command")
	}
}
