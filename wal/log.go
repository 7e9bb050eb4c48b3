package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("operation log is closed")

// OperationLog is an append-only text log, one Entry per line. It is read
// once at startup and only appended to afterwards.
type OperationLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	sync   bool
}

// Open opens (creating if needed) the log at path. When syncWrites is set
// every Append is fsynced before it returns.
func Open(path string, syncWrites bool) (*OperationLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	return &OperationLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		sync:   syncWrites,
	}, nil
}

func (l *OperationLog) Path() string { return l.path }

// Append writes e as a single line. Nothing is written for an invalid entry.
func (l *OperationLog) Append(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}

	if _, err := l.writer.WriteString(e.String() + "\n"); err != nil {
		return fmt.Errorf("append %s: %w", e.Command, err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", e.Command, err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", e.Command, err)
		}
	}
	return nil
}

// Replay reads the log from the beginning and hands every entry to fn in
// file order. Blank lines are skipped. A malformed line or an error from fn
// stops the replay; the returned count is the number of entries applied.
func (l *OperationLog) Replay(fn func(Entry) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, ErrClosed
	}

	reader, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("open operation log for replay: %w", err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	applied, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			return applied, fmt.Errorf("%s line %d: %w", l.path, lineNo, err)
		}
		if err := fn(entry); err != nil {
			return applied, fmt.Errorf("%s line %d (%s): %w", l.path, lineNo, entry.Command, err)
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, fmt.Errorf("read operation log: %w", err)
	}
	log.Info().Str("path", l.path).Int("entries", applied).Msg("operation log replayed")
	return applied, nil
}

func (l *OperationLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.writer.Flush(), l.file.Close())
	l.file = nil
	return err
}
