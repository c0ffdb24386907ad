package streams

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// JSONExtractor treats each Write as one candidate JSON document. Valid
// documents are handed to the callback; every chunk is forwarded unchanged to
// the wrapped writer (nil forwards nowhere). Parse failures are logged only.
type JSONExtractor struct {
	dst    io.Writer
	fn     func(json.RawMessage)
	logger *slog.Logger
}

// NewJSONExtractor builds an extractor. logger may be nil.
func NewJSONExtractor(dst io.Writer, fn func(json.RawMessage), logger *slog.Logger) *JSONExtractor {
	if logger == nil {
		logger = discardLogger
	}
	return &JSONExtractor{dst: dst, fn: fn, logger: logger}
}

func (x *JSONExtractor) Write(p []byte) (int, error) {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) > 0 {
		if json.Valid(trimmed) {
			if x.fn != nil {
				x.fn(append(json.RawMessage(nil), trimmed...))
			}
		} else {
			x.logger.Warn("discarding malformed json message", "len", len(trimmed))
		}
	}
	if x.dst == nil {
		return len(p), nil
	}
	return x.dst.Write(p)
}
