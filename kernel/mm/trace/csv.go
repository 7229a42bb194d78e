package trace

import (
	"fmt"
	"os"
	"sync"

	"github.com/tebeka/atexit"
)

// CSVWriter is a Tracer that stores records into a CSV file.
type CSVWriter struct {
	mu   sync.Mutex
	path string
	file *os.File

	records    []Record
	bufferSize int
}

// NewCSVWriter creates a writer for path (".csv" is appended). An empty path
// selects a unique file name in the working directory.
func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{
		path:       path,
		bufferSize: 1000,
	}
}

// Path returns the name of the CSV file. It is only meaningful after Init.
func (w *CSVWriter) Path() string {
	return w.path + ".csv"
}

// Init creates the CSV file. Existing files are never overwritten. Buffered
// records are flushed when the program exits through atexit.Exit.
func (w *CSVWriter) Init() error {
	if w.path == "" {
		w.path = defaultName()
	}

	filename := w.Path()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	w.file = file

	fmt.Fprintf(file, "ID, Space, Address, Access, Privilege, States, Status, Frames, Reads, Copies, DurationNs\n")

	atexit.Register(func() {
		_ = w.Close()
	})
	return nil
}

// Write implements Tracer.
func (w *CSVWriter) Write(r Record) {
	w.mu.Lock()
	w.records = append(w.records, r)
	full := len(w.records) >= w.bufferSize
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Flush implements Tracer.
func (w *CSVWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return
	}

	for _, r := range w.records {
		fmt.Fprintf(w.file, "%s, %s, %#x, %s, %s, %s, %s, %d, %d, %d, %d\n",
			r.ID,
			r.Space,
			r.Address,
			r.Access,
			r.Privilege,
			r.Path(),
			r.Status,
			r.FramesAllocated,
			r.Reads,
			r.Copies,
			r.Duration().Nanoseconds(),
		)
	}

	w.records = nil
}

// Close flushes pending records and closes the file. Closing twice is a
// no-op.
func (w *CSVWriter) Close() error {
	w.Flush()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
