package runner

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ArtifactKind classifies viewable run output.
type ArtifactKind string

const (
	ArtifactImage      ArtifactKind = "image"
	ArtifactTestResult ArtifactKind = "test-result"
)

// Artifact is one viewable item produced by a run.
type Artifact struct {
	Kind ArtifactKind
	Name string
	MIME string
	Data []byte
}

// ArtifactSink shows artifacts to the user. Open returns an id for Close.
type ArtifactSink interface {
	Open(a Artifact) string
	Close(id string)
}

func imageArtifact(n int, data []byte) Artifact {
	mime := http.DetectContentType(data)
	return Artifact{
		Kind: ArtifactImage,
		Name: fmt.Sprintf("figure-%d%s", n, extensionFor(mime)),
		MIME: mime,
		Data: data,
	}
}

func extensionFor(mime string) string {
	switch {
	case mime == "image/png":
		return ".png"
	case mime == "image/jpeg":
		return ".jpg"
	case mime == "image/gif":
		return ".gif"
	case mime == "image/webp":
		return ".webp"
	case mime == "application/json":
		return ".json"
	case strings.HasPrefix(mime, "text/xml"):
		return ".svg"
	}
	return ".bin"
}

// DirSink writes artifacts as files under a directory. Close removes the file.
type DirSink struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string, logger *slog.Logger) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSink{dir: dir, logger: logger, open: make(map[string]string)}, nil
}

func (d *DirSink) Open(a Artifact) string {
	id := uuid.NewString()
	name := filepath.Base(a.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = id + extensionFor(a.MIME)
	}
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		d.logger.Warn("artifact not written", "path", path, "err", err)
		return id
	}
	d.mu.Lock()
	d.open[id] = path
	d.mu.Unlock()
	return id
}

func (d *DirSink) Close(id string) {
	d.mu.Lock()
	path, ok := d.open[id]
	delete(d.open, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("artifact not removed", "path", path, "err", err)
	}
}

// Paths lists the files of open artifacts.
func (d *DirSink) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.open))
	for _, p := range d.open {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
