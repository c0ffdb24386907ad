package runner

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/antonkrylov/runbox/internal/streams"
)

// Status line keys. The English text doubles as the key.
const (
	msgCompiling     = "Compiling..."
	msgCompileFailed = "Compilation failed with code %d"
	msgExited        = "Process exited with code %d"
	msgSignaled      = "Process terminated by signal %s"
	msgCancelled     = "Execution cancelled"
	msgError         = "Error: %v"
)

var statusCatalog = buildCatalog()

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	german := map[string]string{
		msgCompiling:     "Kompiliere...",
		msgCompileFailed: "Kompilierung fehlgeschlagen mit Code %d",
		msgExited:        "Prozess beendet mit Code %d",
		msgSignaled:      "Prozess durch Signal %s beendet",
		msgCancelled:     "Ausführung abgebrochen",
		msgError:         "Fehler: %v",
	}
	for key, de := range german {
		_ = b.SetString(language.English, key, key)
		_ = b.SetString(language.German, key, de)
	}
	return b
}

func newPrinter(tag language.Tag) *message.Printer {
	if tag == language.Und {
		tag = language.English
	}
	return message.NewPrinter(tag, message.Catalog(statusCatalog))
}

// writeStatus writes one localized line, CRLF-terminated, to w.
func (r *Runner) writeStatus(w io.Writer, key string, args ...any) {
	line := r.printer.Sprintf(key, args...)
	if _, err := io.WriteString(streams.NewTerminalWriter(w), line+"\n"); err != nil {
		r.logger.Debug("status line not written", "err", err)
	}
}
