// Package kfmt provides the logging and fatal-error reporting facilities used
// by the memory manager. Output is buffered in a ring buffer until an output
// sink is attached with SetOutputSink.
package kfmt

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores output produced
	// before an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where log output is sent. If set to nil,
	// then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// logLevel is shared by all loggers returned by Logger.
	logLevel = new(slog.LevelVar)
)

// sinkWriter forwards writes to the active output sink or the early ring
// buffer.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// SetOutputSink sets the default target for log output to w and copies any
// data accumulated in the earlyPrintBuffer to it. Passing nil redirects
// output back to the ring buffer.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w == nil {
		return
	}

	if earlyPrintBuffer.dropped != 0 {
		fmt.Fprintf(w, "[kfmt] %d bytes of early output were dropped\n", earlyPrintBuffer.dropped)
	}
	_, _ = io.Copy(w, &earlyPrintBuffer)
	earlyPrintBuffer.Reset()
}

// Output returns an io.Writer that targets the active output sink.
func Output() io.Writer {
	return sinkWriter{}
}

// SetLogLevel sets the minimum level for all loggers. Unknown level names
// select the info level.
func SetLogLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

// Logger returns a structured logger tagged with the supplied module name.
func Logger(module string) *slog.Logger {
	handler := slog.NewTextHandler(sinkWriter{}, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler).With("module", module)
}

// Printf formats according to a format specifier and writes to the active
// output sink.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(sinkWriter{}, format, args...)
}
