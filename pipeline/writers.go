package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// OutputWriter writes report records to a file.
type OutputWriter[T any] interface {
	Write(records []T) error
	Close() error
	Validate() error
}

// CSVWriter writes records to CSV using a row mapper.
type CSVWriter[T any] struct {
	file   *os.File
	writer *csv.Writer
	row    func(T) []string
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter[T any](filename string, header []string, row func(T) []string) (*CSVWriter[T], error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter[T]{
		file:   f,
		writer: writer,
		row:    row,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter[T]) Write(records []T) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, record := range records {
		if err := cw.writer.Write(cw.row(record)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter[T]) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter[T]) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter[T any] struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter[T any](filename string) (*JSONWriter[T], error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter[T]{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter[T]) Write(records []T) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range records {
		if err := jw.encoder.Encode(record); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter[T]) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter[T]) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

// MultiWriter fans records out to several writers.
type MultiWriter[T any] struct {
	writers []OutputWriter[T]
	mu      sync.Mutex
}

// NewMultiWriter combines writers into one.
func NewMultiWriter[T any](writers ...OutputWriter[T]) *MultiWriter[T] {
	return &MultiWriter[T]{writers: writers}
}

// Write writes records to every writer, stopping at the first failure.
func (mw *MultiWriter[T]) Write(records []T) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for i, w := range mw.writers {
		if err := w.Write(records); err != nil {
			return fmt.Errorf("writer %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every writer and reports all failures.
func (mw *MultiWriter[T]) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for i, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("writer %d close failed: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

// Validate validates every writer's output.
func (mw *MultiWriter[T]) Validate() error {
	var errs []error
	for i, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("writer %d validation failed: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}

// OpenReport opens one writer per path, choosing CSV or JSONL by extension.
func OpenReport[T any](paths []string, header []string, row func(T) []string) (OutputWriter[T], error) {
	var writers []OutputWriter[T]
	closeAll := func() {
		for _, w := range writers {
			w.Close()
		}
	}
	for _, path := range paths {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			w, err := NewCSVWriter(path, header, row)
			if err != nil {
				closeAll()
				return nil, err
			}
			writers = append(writers, w)
		case ".json", ".jsonl":
			w, err := NewJSONWriter[T](path)
			if err != nil {
				closeAll()
				return nil, err
			}
			writers = append(writers, w)
		default:
			closeAll()
			return nil, fmt.Errorf("unsupported report format %q", path)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return NewMultiWriter(writers...), nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
