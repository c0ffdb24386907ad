package streams

import (
	"bufio"
	"errors"
	"io"
)

// CopyMessages reads newline-delimited messages from src and writes each one,
// without its delimiter, to dst in a single Write call. A final message
// without a trailing newline is still delivered.
func CopyMessages(dst io.Writer, src io.Reader) error {
	r := bufio.NewReader(src)
	for {
		line, err := r.ReadBytes('\n')
		if n := len(line); n > 0 {
			if line[n-1] == '\n' {
				line = line[:n-1]
			}
			if len(line) > 0 {
				if _, werr := dst.Write(line); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
