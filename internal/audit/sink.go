package audit

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Sink is the append target for serialized records.
type Sink interface {
	Append(line []byte) error
}

// Counter allocates the next sequence number from persistent state.
type Counter interface {
	Next() (uint64, error)
}

// FileSink appends newline-delimited records to a single file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*FileSink)(nil)

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// FileCounter keeps the sequence in a companion file. Read-increment-persist;
// the recorder serializes access.
type FileCounter struct {
	mu   sync.Mutex
	path string
}

var _ Counter = (*FileCounter)(nil)

func NewFileCounter(path string) *FileCounter {
	return &FileCounter{path: path}
}

func (c *FileCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var current uint64
	data, err := os.ReadFile(c.path)
	switch {
	case err == nil:
		current, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, err
		}
	case os.IsNotExist(err):
		current = 0
	default:
		return 0, err
	}
	next := current + 1
	if err := os.WriteFile(c.path, []byte(strconv.FormatUint(next, 10)), 0o600); err != nil {
		return 0, err
	}
	return next, nil
}

// MemorySink collects records in memory; test and development use.
type MemorySink struct {
	mu    sync.Mutex
	lines [][]byte
	fail  error
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink { return &MemorySink{} }

// FailWith makes subsequent appends return err; nil restores writes.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemorySink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cp := make([]byte, len(line))
	copy(cp, line)
	s.lines = append(s.lines, cp)
	return nil
}

// Lines returns a copy of everything appended so far.
func (s *MemorySink) Lines() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.lines))
	copy(out, s.lines)
	return out
}

// MemoryCounter is an in-process Counter.
type MemoryCounter struct {
	mu  sync.Mutex
	seq uint64
}

var _ Counter = (*MemoryCounter)(nil)

func NewMemoryCounter() *MemoryCounter { return &MemoryCounter{} }

func (c *MemoryCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq, nil
}
