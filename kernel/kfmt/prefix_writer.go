package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Fatal fault reports use it to indent
// the per-level entry dump under the banner.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last write did not end with a line feed.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol != -1 {
			line = p[:eol+1]
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		if line[len(line)-1] == '\n' {
			w.midLine = false
		}
		p = p[len(line):]
	}

	return written, nil
}
