package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"sphub/internal/sp"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("log store is closed")

// Store is an append-only, line-oriented log of tagged records.
//
// The log is the durable source of truth. Owners rebuild their in-memory
// indexes with Replay at startup, append one record per mutation, and call
// Normalize to rewrite the log from memory without tombstones.
type Store struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	logger sp.Logger

	size        int64
	loading     bool
	legacy      bool
	needNewline bool
	closed      bool
}

// Open opens or creates the log at path. The parent directory is created if
// needed. A new log starts with the version header.
func Open(path string, logger sp.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}

	s := &Store{path: path, f: f, w: bufio.NewWriter(f), logger: sp.OrNop(logger)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := s.w.WriteString(VersionHeader + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing log header: %w", err)
		}
		if err := s.w.Flush(); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing log header: %w", err)
		}
		s.size = int64(len(VersionHeader) + 1)
	} else {
		s.size = info.Size()
	}
	return s, nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// Loading reports whether a replay is in progress. Appends are suppressed
// while loading so replayed mutations are not logged twice.
func (s *Store) Loading() bool { return s.loading }

// Legacy reports whether the last replay read a log without a version
// header. Owners normalize such logs right after loading so new records are
// never mixed with the legacy encoding.
func (s *Store) Legacy() bool { return s.legacy }

// Replay reads every record from the start of the log and hands it to fn.
// A final line without a trailing newline is delivered like any other.
// Malformed lines, and lines fn rejects, are logged and skipped.
func (s *Store) Replay(fn func(Record) error) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing log: %w", err)
	}

	s.loading = true
	defer func() { s.loading = false }()

	r := bufio.NewReader(io.NewSectionReader(s.f, 0, math.MaxInt64))
	var offset int64
	first := true
	s.legacy = false
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			start := offset
			offset += int64(len(line))
			terminated := strings.HasSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\n")
			if err == io.EOF && !terminated {
				s.needNewline = true
				s.logger.Warn("recovered truncated final log line", "path", s.path, "offset", start)
			}

			if first {
				first = false
				if line == VersionHeader {
					continue
				}
				s.legacy = true
			}
			if line == "" {
				continue
			}

			rec, perr := parseRecord(line, start, s.legacy)
			if perr == nil {
				perr = fn(rec)
			}
			if perr != nil {
				s.logger.Warn("skipping malformed log record", "path", s.path, "offset", start, "error", perr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading log %s: %w", s.path, err)
		}
	}
}

// Append writes one record. It is a no-op while loading.
func (s *Store) Append(tag string, fields ...string) error {
	_, err := s.AppendRecord(tag, fields...)
	return err
}

// AppendRecord is Append that also returns the offset the record was
// written at. While loading it writes nothing and returns -1.
func (s *Store) AppendRecord(tag string, fields ...string) (int64, error) {
	if s.loading {
		return -1, nil
	}
	if s.closed {
		return -1, ErrClosed
	}
	if s.needNewline {
		if err := s.w.WriteByte('\n'); err != nil {
			return -1, fmt.Errorf("appending to %s: %w", s.path, err)
		}
		s.size++
		s.needNewline = false
	}
	offset := s.size
	n, err := s.w.WriteString(joinFields(tag, fields))
	s.size += int64(n)
	if err != nil {
		return -1, fmt.Errorf("appending to %s: %w", s.path, err)
	}
	if err := s.w.Flush(); err != nil {
		return -1, fmt.Errorf("appending to %s: %w", s.path, err)
	}
	return offset, nil
}

// ReadAt parses the single record that starts at offset.
func (s *Store) ReadAt(offset int64) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return Record{}, fmt.Errorf("flushing log: %w", err)
	}
	r := bufio.NewReader(io.NewSectionReader(s.f, offset, math.MaxInt64-offset))
	line, err := r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return Record{}, fmt.Errorf("reading record at %d: %w", offset, err)
	}
	return parseRecord(strings.TrimSuffix(line, "\n"), offset, s.legacy)
}

// Writer receives the full state of a store during Normalize.
type Writer struct {
	w      *bufio.Writer
	offset int64
}

// Record writes one record and returns the offset it was written at.
func (w *Writer) Record(tag string, fields ...string) (int64, error) {
	start := w.offset
	line := joinFields(tag, fields)
	n, err := w.w.WriteString(line)
	w.offset += int64(n)
	return start, err
}

// Normalize rewrites the log from memory. write is called with a Writer
// positioned after the version header; the result replaces the log
// atomically via rename, and the store continues appending to the new file.
func (s *Store) Normalize(write func(w *Writer) error) error {
	if s.closed {
		return ErrClosed
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}

	bw := bufio.NewWriter(tmp)
	w := &Writer{w: bw}
	if _, err := w.w.WriteString(VersionHeader + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	w.offset = int64(len(VersionHeader) + 1)

	if err := write(w); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("normalizing %s: %w", s.path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := s.w.Flush(); err != nil {
		s.logger.Warn("flushing log before normalize", "path", s.path, "error", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		s.closed = true
		s.f.Close()
		return fmt.Errorf("reopening %s: %w", s.path, err)
	}
	s.f.Close()
	s.f = f
	s.w = bufio.NewWriter(f)
	s.size = w.offset
	s.legacy = false
	s.needNewline = false
	return nil
}

// Close flushes and closes the log. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	ferr := s.w.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return fmt.Errorf("flushing %s: %w", s.path, ferr)
	}
	if cerr != nil {
		return fmt.Errorf("closing %s: %w", s.path, cerr)
	}
	return nil
}
