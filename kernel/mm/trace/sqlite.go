package trace

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/tebeka/atexit"
)

// SQLiteWriter is a Tracer that stores records into a SQLite database.
// Records are buffered and inserted in batches.
type SQLiteWriter struct {
	*sql.DB
	statement *sql.Stmt

	mu        sync.Mutex
	dbName    string
	records   []Record
	batchSize int
}

// NewSQLiteWriter creates a writer for path (".sqlite3" is appended). An
// empty path selects a unique file name in the working directory.
func NewSQLiteWriter(path string) *SQLiteWriter {
	w := &SQLiteWriter{
		dbName:    path,
		batchSize: 10000,
	}

	atexit.Register(func() { w.Flush() })

	return w
}

// Path returns the name of the database file. It is only meaningful after
// Init.
func (w *SQLiteWriter) Path() string {
	return w.dbName + ".sqlite3"
}

// Init creates the database and the fault table.
func (w *SQLiteWriter) Init() error {
	if w.dbName == "" {
		w.dbName = defaultName()
	}

	filename := w.Path()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return err
	}
	w.DB = db

	w.createTable()
	w.prepareStatement()
	return nil
}

// Write implements Tracer.
func (w *SQLiteWriter) Write(r Record) {
	w.mu.Lock()
	w.records = append(w.records, r)
	full := len(w.records) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Flush implements Tracer.
func (w *SQLiteWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.records) == 0 || w.DB == nil {
		return
	}

	tx, err := w.Begin()
	if err != nil {
		panic(err)
	}

	insert := tx.Stmt(w.statement)
	for _, r := range w.records {
		_, err := insert.Exec(
			r.ID,
			r.Space,
			int64(r.Address),
			r.Access,
			r.Privilege,
			r.Path(),
			r.Status,
			r.FramesAllocated,
			r.Reads,
			r.Copies,
			r.Start.UnixNano(),
			r.End.UnixNano(),
		)
		if err != nil {
			_ = tx.Rollback()
			panic(err)
		}
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	w.records = nil
}

// Close flushes pending records and closes the database.
func (w *SQLiteWriter) Close() error {
	w.Flush()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.DB == nil {
		return nil
	}
	_ = w.statement.Close()
	err := w.DB.Close()
	w.DB = nil
	return err
}

func (w *SQLiteWriter) createTable() {
	w.mustExecute(`
		create table fault
		(
			fault_id   varchar(32) not null primary key,
			space      varchar(100),
			address    integer not null,
			access     varchar(32),
			privilege  varchar(16),
			states     varchar(400),
			status     varchar(32),
			frames     integer default 0,
			reads      integer default 0,
			copies     integer default 0,
			start_time integer not null,
			end_time   integer default 0
		);
	`)

	w.mustExecute(`
		create index fault_status_index
			on fault (status);
	`)

	w.mustExecute(`
		create index fault_space_index
			on fault (space);
	`)
}

func (w *SQLiteWriter) prepareStatement() {
	stmt, err := w.Prepare(`INSERT INTO fault VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		panic(err)
	}
	w.statement = stmt
}

func (w *SQLiteWriter) mustExecute(query string) sql.Result {
	res, err := w.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}
	return res
}
