package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antonkrylov/runbox/internal/diagnostic"
)

func TestFileSetContentNotifiesOnlyOnChange(t *testing.T) {
	f := NewFile("main.py", []byte("print(1)\n"))
	var changes []ChangeKind
	unsubscribe := f.Subscribe(func(c Change) { changes = append(changes, c.Kind) })

	if f.SetContent([]byte("print(1)\n")) {
		t.Fatalf("identical content reported as changed")
	}
	if f.Dirty() || len(changes) != 0 {
		t.Fatalf("identical content must not dirty the file: dirty=%v changes=%v", f.Dirty(), changes)
	}

	if !f.SetContent([]byte("print(2)\n")) {
		t.Fatalf("new content not applied")
	}
	if !f.Dirty() || len(changes) != 2 || changes[0] != ContentChanged || changes[1] != DirtyChanged {
		t.Fatalf("unexpected changes %v dirty=%v", changes, f.Dirty())
	}

	unsubscribe()
	f.SetContent([]byte("print(3)\n"))
	if len(changes) != 2 {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestFileAnnotationsReplace(t *testing.T) {
	f := NewFile("main.c", nil)
	notified := 0
	f.Subscribe(func(c Change) {
		if c.Kind == AnnotationsChanged {
			notified++
		}
	})
	f.SetAnnotations(nil)
	if notified != 0 {
		t.Fatalf("clearing empty annotations should not notify")
	}
	f.SetAnnotations([]diagnostic.Diagnostic{{File: "main.c", Row: 1}, {File: "main.c", Row: 4}})
	f.SetAnnotations([]diagnostic.Diagnostic{{File: "main.c", Row: 9}})
	got := f.Annotations()
	if len(got) != 1 || got[0].Row != 9 || notified != 2 {
		t.Fatalf("annotations not replaced: %+v (notified %d)", got, notified)
	}
}

func TestLoadDirAndSaveDirty(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("util.py", "X = 1\n")
	write("main.py", "import util\n")
	write("pkg/helper.py", "Y = 2\n")
	write(".git/config", "ignored")

	p, err := LoadDir(dir, "demo", "python3", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.MainFile != "main.py" {
		t.Fatalf("main file = %q", p.MainFile)
	}
	if len(p.Files()) != 3 {
		t.Fatalf("unexpected files %v", p.Names())
	}
	if _, ok := p.File("pkg/helper.py"); !ok {
		t.Fatalf("nested file missing: %v", p.Names())
	}

	f, _ := p.File("util.py")
	f.SetContent([]byte("X = 42\n"))
	saved, err := p.SaveDirty(dir)
	if err != nil || len(saved) != 1 || saved[0] != "util.py" {
		t.Fatalf("save dirty: %v %v", saved, err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "util.py"))
	if string(data) != "X = 42\n" || f.Dirty() {
		t.Fatalf("file not saved or still dirty: %q", data)
	}

	if _, err := LoadDir(dir, "demo", "python3", "missing.py"); err == nil {
		t.Fatalf("expected error for missing main file")
	}
}
