// Package logsink captures a deployment's stdout and stderr in an append-only
// file and reads back its tail.
//
// Exactly one writer (the child process, through the handle the supervisor
// holds) appends to a given file. Readers open the file on their own and never
// coordinate with the writer, so a tail may end in a half-written line.
package logsink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultTailBytes is how much of a log the deployment list shows.
const DefaultTailBytes = 3000

// Sink is an append-mode log file handed to a child process.
type Sink struct {
	f    *os.File
	path string
}

// Open opens path for appending, creating parent directories as needed.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f, path: path}, nil
}

// File is the descriptor passed as the child's stdout and stderr.
func (s *Sink) File() *os.File { return s.f }

func (s *Sink) Path() string { return s.path }

// Mark writes a supervisor line (start, stop, exit) into the log.
func (s *Sink) Mark(format string, args ...any) {
	if s == nil || s.f == nil {
		return
	}
	fmt.Fprintf(s.f, "--- %s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

func (s *Sink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Tail returns up to maxBytes from the end of the file at path. When the read
// starts mid-file the leading partial line is dropped; a torn trailing line is
// returned as is. A missing file yields "".
func Tail(path string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", err
	}
	off := size - maxBytes
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return "", err
	}
	if off > 0 {
		if i := bytes.IndexByte(b, '\n'); i >= 0 && i+1 < len(b) {
			b = b[i+1:]
		}
	}
	return string(b), nil
}
