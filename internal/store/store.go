// Package store persists records as newline-delimited JSON. A store is only ever
// read as a lazy sequence of independently parseable lines and only ever
// extended by appending; whole-file changes go through AtomicReplace.
package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
)

// maxLineBytes bounds a single record line.
const maxLineBytes = 16 << 20

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("malformed record line")

// ParseError reports a line that could not be decoded. Corrupt data is never
// skipped: a ParseError ends the stream.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

// Unwrap exposes the decoder error.
func (e *ParseError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrParse) match.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Store is a line-delimited file of records of type R.
type Store[R any] struct {
	path string
}

// New returns a store backed by path. The file need not exist.
func New[R any](path string) *Store[R] {
	return &Store[R]{path: path}
}

// Path returns the backing file path.
func (s *Store[R]) Path() string {
	return s.path
}

// Stream yields the records in file order. A missing file is an empty store.
// Blank lines are ignored. The sequence can be restarted by ranging over it again.
func (s *Store[R]) Stream(ctx context.Context) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		var zero R
		f, err := os.Open(s.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(zero, fmt.Errorf("open store %s: %w", s.path, err))
			}
			return
		}
		defer f.Close() //nolint:errcheck // read-only handle

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		line := 0
		for scanner.Scan() {
			line++
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var rec R
			if err := json.Unmarshal(raw, &rec); err != nil {
				yield(zero, &ParseError{Path: s.path, Line: line, Err: err})
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(zero, fmt.Errorf("read store %s: %w", s.path, err))
		}
	}
}

// Append encodes records and appends them with a single write, then syncs the
// file. Once Append returns nil the records are durable.
func (s *Store[R]) Append(records ...R) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open store %s for append: %w", s.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

// Reset truncates the store to empty, creating it if needed.
func (s *Store[R]) Reset() error {
	if err := os.WriteFile(s.path, nil, 0o600); err != nil {
		return fmt.Errorf("reset store %s: %w", s.path, err)
	}
	return nil
}

// Remove deletes the backing file. A missing file is not an error.
func (s *Store[R]) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove store %s: %w", s.path, err)
	}
	return nil
}
