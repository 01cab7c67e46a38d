package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JakeFAU/policy-crawler/internal/record"
)

// backwardBlock is the read size used when scanning a store from its end.
const backwardBlock = 4096

// Checkpoint identifies the last record durably committed to a store.
type Checkpoint struct {
	ID   record.ID `json:"id"`
	Page string    `json:"page"`
}

// IsZero reports whether the checkpoint points at the beginning.
func (c Checkpoint) IsZero() bool {
	return !c.ID.IsSet() && c.Page == ""
}

// Checkpoint returns the identity and page of the last complete line without
// reading the whole file. A missing or empty store yields the zero checkpoint.
// An unterminated trailing fragment (a torn append) is not a committed line and
// is ignored; TrimPartial removes it.
func (s *Store[R]) Checkpoint() (Checkpoint, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("open store %s: %w", s.path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("stat store %s: %w", s.path, err)
	}
	line, _, err := lastLine(f, info.Size())
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan store %s: %w", s.path, err)
	}
	if line == nil {
		return Checkpoint{}, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(line, &cp); err != nil {
		return Checkpoint{}, &ParseError{Path: s.path, Line: -1, Err: err}
	}
	return cp, nil
}

// TrimPartial truncates an unterminated trailing fragment left by an
// interrupted append. It returns the number of bytes removed.
func (s *Store[R]) TrimPartial() (int64, error) {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open store %s: %w", s.path, err)
	}
	defer f.Close() //nolint:errcheck // truncate result is checked below

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat store %s: %w", s.path, err)
	}
	size := info.Size()
	end, err := lastNewline(f, size)
	if err != nil {
		return 0, fmt.Errorf("scan store %s: %w", s.path, err)
	}
	if end == size {
		return 0, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", s.path, err)
	}
	return size - end, nil
}

// lastNewline returns the offset just past the final '\n' in the first size
// bytes of r, or 0 when there is none.
func lastNewline(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, backwardBlock)
	for pos := size; pos > 0; {
		n := int64(backwardBlock)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := r.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return pos + int64(i) + 1, nil
		}
	}
	return 0, nil
}

// lastLine reads r backward in fixed-size blocks and returns the last
// newline-terminated, non-blank line together with the offset just past it.
// Only the bytes of the trailing lines are held in memory.
func lastLine(r io.ReaderAt, size int64) ([]byte, int64, error) {
	end, err := lastNewline(r, size)
	if err != nil || end == 0 {
		return nil, 0, err
	}

	// tail holds the bytes in [pos, lineEnd).
	lineEnd := end - 1
	pos := lineEnd
	var tail []byte
	block := make([]byte, backwardBlock)
	for {
		if i := bytes.LastIndexByte(tail, '\n'); i >= 0 || pos == 0 {
			line := tail[i+1:]
			if len(bytes.TrimSpace(line)) > 0 {
				return line, lineEnd + 1, nil
			}
			if i < 0 {
				return nil, 0, nil
			}
			// Blank line: step over it and keep looking.
			lineEnd = pos + int64(i)
			tail = tail[:i]
			continue
		}
		n := int64(backwardBlock)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := r.ReadAt(block[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, err
		}
		tail = append(append(make([]byte, 0, int(n)+len(tail)), block[:n]...), tail...)
	}
}
