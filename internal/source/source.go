// Package source reads the historical transaction log as an ordered, lazy
// sequence of raw rows.
//
// A Reader is finite and single-pass. Restarting means calling Open again,
// which re-reads the file from the first data row. The file is opened
// read-only; concurrent readers of the same path do not interfere.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("source: not found")
	ErrNoHeader     = errors.New("source: missing header row")
	ErrMalformedRow = errors.New("source: malformed row")
	ErrClosed       = errors.New("source: reader closed")
)

// Row is one raw record keyed by header name. Index is the zero-based
// position of the row among data rows and is assigned at ingestion.
type Row struct {
	Index  int
	Fields map[string]string
}

// Get returns the raw value for a column, or "" when absent.
func (r Row) Get(name string) string {
	return r.Fields[name]
}

// Reader yields rows in file order.
type Reader struct {
	path   string
	file   *os.File
	csv    *csv.Reader
	header []string
	next   int

	mu     sync.Mutex
	closed bool
}

// Open opens path and consumes the header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrNoHeader, path)
		}
		return nil, fmt.Errorf("source: read header %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	return &Reader{path: path, file: f, csv: cr, header: header}, nil
}

// Path returns the file the reader was opened on.
func (r *Reader) Path() string { return r.path }

// Header returns the column names in file order.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Next returns the next row. It returns io.EOF once the log is exhausted.
// A row the CSV layer cannot parse is reported as ErrMalformedRow; the
// reader stays usable and the following call moves on to the next record.
// Next checks ctx before reading but does not interrupt a read in progress.
func (r *Reader) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return Row{}, ErrClosed
	}

	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		idx := r.next
		r.next++
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return Row{Index: idx}, fmt.Errorf("%w: row %d: %v", ErrMalformedRow, idx, pe)
		}
		return Row{Index: idx}, fmt.Errorf("source: read row %d: %w", idx, err)
	}

	row := Row{Index: r.next, Fields: make(map[string]string, len(r.header))}
	r.next++
	for i, name := range r.header {
		if i < len(record) {
			row.Fields[name] = record[i]
		}
	}
	return row, nil
}

// Close releases the file handle. It is safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Closed reports whether Close has been called.
func (r *Reader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ReadAll drains a fresh reader over path. It is meant for one-shot batch
// work (model fitting, report export), never for the live stream.
func ReadAll(ctx context.Context, path string) ([]Row, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var rows []Row
	for {
		row, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if errors.Is(err, ErrMalformedRow) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
