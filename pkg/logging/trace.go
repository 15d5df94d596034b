package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceLogger writes debug-mode pipeline traces to daily log files named
// trace-YYYY-MM-DD.log.
type TraceLogger struct {
	dir     string
	file    *os.File
	path    string
	mu      sync.Mutex
	lastDay string
}

// NewTraceLogger creates a trace logger that writes to dir.
func NewTraceLogger(dir string) (*TraceLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace log dir: %w", err)
	}

	l := &TraceLogger{dir: dir}
	if err := l.rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WriteStep appends one pipeline step of a request.
func (l *TraceLogger) WriteStep(requestID, step, payload string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNewDay(); err != nil {
		return err
	}
	if l.file == nil {
		return nil
	}

	timestamp := time.Now().Format("15:04:05.000")
	_, err := fmt.Fprintf(l.file, "[%s] request=%s step=%s\n%s\n", timestamp, requestID, step, payload)
	return err
}

// Path returns the current log file path.
func (l *TraceLogger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Close closes the log file.
func (l *TraceLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *TraceLogger) rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *TraceLogger) rotateIfNewDay() error {
	if time.Now().Format("2006-01-02") != l.lastDay {
		return l.rotateLocked()
	}
	return nil
}

func (l *TraceLogger) rotateLocked() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	today := time.Now().Format("2006-01-02")
	l.lastDay = today
	l.path = filepath.Join(l.dir, "trace-"+today+".log")

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace log: %w", err)
	}
	l.file = file
	return nil
}
