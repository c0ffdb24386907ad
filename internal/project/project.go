// Package project holds the in-memory documents a session runs: named files
// with content, diagnostics and a dirty flag.
package project

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/antonkrylov/runbox/internal/diagnostic"
)

// ChangeKind says what changed on a file.
type ChangeKind int

const (
	ContentChanged ChangeKind = iota
	AnnotationsChanged
	DirtyChanged
)

// Change is delivered to file subscribers.
type Change struct {
	File *File
	Kind ChangeKind
}

// File is one project document. It is safe for concurrent use.
type File struct {
	name string

	mu          sync.Mutex
	content     []byte
	mode        string
	annotations []diagnostic.Diagnostic
	dirty       bool
	subs        map[int]func(Change)
	nextSub     int
}

// NewFile creates a clean file.
func NewFile(name string, content []byte) *File {
	return &File{name: name, content: append([]byte(nil), content...)}
}

func (f *File) Name() string { return f.name }

func (f *File) Content() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.content...)
}

// SetContent replaces the content and marks the file dirty. Identical
// content is ignored; the return value reports whether anything changed.
func (f *File) SetContent(content []byte) bool {
	f.mu.Lock()
	if string(f.content) == string(content) {
		f.mu.Unlock()
		return false
	}
	f.content = append([]byte(nil), content...)
	wasDirty := f.dirty
	f.dirty = true
	subs := f.subscribersLocked()
	f.mu.Unlock()

	notify(subs, Change{File: f, Kind: ContentChanged})
	if !wasDirty {
		notify(subs, Change{File: f, Kind: DirtyChanged})
	}
	return true
}

func (f *File) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *File) SetMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// Annotations returns the diagnostics currently attached to the file (0-based).
func (f *File) Annotations() []diagnostic.Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]diagnostic.Diagnostic(nil), f.annotations...)
}

// SetAnnotations replaces all diagnostics of the file.
func (f *File) SetAnnotations(diags []diagnostic.Diagnostic) {
	f.mu.Lock()
	if len(f.annotations) == 0 && len(diags) == 0 {
		f.mu.Unlock()
		return
	}
	f.annotations = append([]diagnostic.Diagnostic(nil), diags...)
	subs := f.subscribersLocked()
	f.mu.Unlock()
	notify(subs, Change{File: f, Kind: AnnotationsChanged})
}

func (f *File) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// MarkClean clears the dirty flag, typically after saving.
func (f *File) MarkClean() {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	subs := f.subscribersLocked()
	f.mu.Unlock()
	notify(subs, Change{File: f, Kind: DirtyChanged})
}

// Subscribe registers fn for changes and returns a function removing it.
func (f *File) Subscribe(fn func(Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(Change))
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *File) subscribersLocked() []func(Change) {
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = f.subs[id]
	}
	return out
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}

// Project is a named set of files with a main file and a language.
type Project struct {
	Name     string
	Language string
	MainFile string

	mu    sync.Mutex
	files []*File
}

// New creates an empty project.
func New(name, language, mainFile string) *Project {
	return &Project{Name: name, Language: language, MainFile: mainFile}
}

// Add appends a file, replacing one with the same name.
func (p *Project) Add(f *File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.files {
		if existing.name == f.name {
			p.files[i] = f
			return
		}
	}
	p.files = append(p.files, f)
}

// Files returns the files in insertion order.
func (p *Project) Files() []*File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*File(nil), p.files...)
}

// File finds a file by name.
func (p *Project) File(name string) (*File, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.files {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}

// Names returns the file names in insertion order.
func (p *Project) Names() []string {
	files := p.Files()
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names
}

// LoadDir reads every regular file below dir into a new project. Hidden
// files and directories are skipped. An empty mainFile picks the first file
// whose base name starts with "main", else the first file.
func LoadDir(dir, name, language, mainFile string) (*Project, error) {
	p := New(name, language, mainFile)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := d.Name()
		if path != dir && strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		p.Add(NewFile(filepath.ToSlash(rel), data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(p.files) == 0 {
		return nil, fmt.Errorf("no files in %s", dir)
	}
	if p.MainFile == "" {
		p.MainFile = p.files[0].name
		for _, f := range p.files {
			if strings.HasPrefix(filepath.Base(f.name), "main") {
				p.MainFile = f.name
				break
			}
		}
	}
	if _, ok := p.File(p.MainFile); !ok {
		return nil, fmt.Errorf("main file %q not found in %s", p.MainFile, dir)
	}
	return p, nil
}

// SaveDirty writes dirty files below dir and marks them clean.
func (p *Project) SaveDirty(dir string) ([]string, error) {
	var saved []string
	for _, f := range p.Files() {
		if !f.Dirty() {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(f.name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return saved, err
		}
		if err := os.WriteFile(path, f.Content(), 0o644); err != nil {
			return saved, err
		}
		f.MarkClean()
		saved = append(saved, f.name)
	}
	return saved, nil
}
