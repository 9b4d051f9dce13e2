package infrastructure

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProcessLog appends the raw output of external media tools to a per-day
// file (<prefix>-YYYYMMDD.log), framing each invocation with a header
// holding the command line and a footer holding the result.
type ProcessLog struct {
	dir    string
	prefix string
	mu     sync.Mutex
}

// NewProcessLog creates a process log under dir. An empty dir disables it.
func NewProcessLog(dir, prefix string) *ProcessLog {
	return &ProcessLog{dir: dir, prefix: prefix}
}

// ProcessLogEntry is one framed invocation; it is an io.Writer for the
// tool's diagnostic output. Writes never fail: the first file error closes
// the entry, later output is discarded and Err reports the cause.
type ProcessLogEntry struct {
	log  *ProcessLog
	file *os.File
	err  error
}

// Begin opens today's file and writes the invocation header. Failing to
// open the file yields an entry that discards writes.
func (l *ProcessLog) Begin(label, binary string, args []string) *ProcessLogEntry {
	entry := &ProcessLogEntry{log: l}
	if l == nil || l.dir == "" {
		return entry
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return entry
	}
	path := filepath.Join(l.dir, fmt.Sprintf("%s-%s.log", l.prefix, time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return entry
	}
	entry.file = file

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry.writeString(fmt.Sprintf("\n=== [%s] %s ===\n$ %s\n", timestamp, label, ShellEscapeCommand(binary, args...)))
	return entry
}

// Write appends tool output to the entry. It always reports success so a
// failing log file cannot stop the caller from draining the tool's pipes.
func (e *ProcessLogEntry) Write(p []byte) (int, error) {
	if e.file == nil {
		return len(p), nil
	}
	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	if _, err := e.file.Write(p); err != nil {
		e.err = err
		e.file.Close()
		e.file = nil
	}
	return len(p), nil
}

// Err returns the write error that disabled the entry, if any
func (e *ProcessLogEntry) Err() error {
	return e.err
}

// End writes the result footer and closes the file
func (e *ProcessLogEntry) End(success bool, message string) {
	if e.file == nil {
		return
	}
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	e.writeString(fmt.Sprintf("[%s] %s: %s\n=== END ===\n", timestamp, status, message))
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
}

func (e *ProcessLogEntry) writeString(s string) {
	_, _ = io.WriteString(e, s)
}
