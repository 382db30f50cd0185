// Package logging builds the engine's shared logger: stderr plus a
// midnight-rotating daily file, optionally mirrored into the store's
// system log table.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const retentionDays = 7

// FileWriter appends to trading_YYYYMMDD.log under dir, switching files
// at local midnight. Old files past the retention window are deleted on
// rotation.
type FileWriter struct {
	dir string
	loc *time.Location

	mu      sync.Mutex
	file    *os.File
	curDate string
}

// NewFileWriter creates dir if needed and opens today's file lazily on
// the first write.
func NewFileWriter(dir string, loc *time.Location) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &FileWriter{dir: dir, loc: loc}, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := time.Now().In(w.loc).Format("20060102")
	if w.file == nil || date != w.curDate {
		if err := w.rotate(date); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

// rotate must be called with mu held.
func (w *FileWriter) rotate(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	path := filepath.Join(w.dir, "trading_"+date+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.file = f
	w.curDate = date
	w.prune(date)
	return nil
}

// prune removes daily files older than the retention window. Failures
// are ignored; retention is best effort.
func (w *FileWriter) prune(today string) {
	day, err := time.ParseInLocation("20060102", today, w.loc)
	if err != nil {
		return
	}
	cutoff := day.AddDate(0, 0, -retentionDays).Format("20060102")

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "trading_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, "trading_"), ".log")
		if len(date) == 8 && date < cutoff {
			_ = os.Remove(filepath.Join(w.dir, name))
		}
	}
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// SystemLogStore is the store-mirror subset used by StoreWriter.
type SystemLogStore interface {
	SaveSystemLog(level, module, message string) error
}

// StoreWriter mirrors log lines into the store's system log table so
// the dashboard can show recent activity. Level is guessed from the
// line text; store errors are swallowed, logging must never fail the
// engine.
type StoreWriter struct {
	store  SystemLogStore
	module string
}

func NewStoreWriter(store SystemLogStore, module string) *StoreWriter {
	return &StoreWriter{store: store, module: module}
}

func (w *StoreWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	level := "INFO"
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "failed") || strings.Contains(lower, "error"):
		level = "ERROR"
	case strings.Contains(lower, "warn"):
		level = "WARN"
	}
	_ = w.store.SaveSystemLog(level, w.module, msg)
	return len(p), nil
}

// New composes the shared engine logger: stderr, the rotating file, and
// the store mirror. Any nil writer is skipped.
func New(file *FileWriter, store SystemLogStore) *log.Logger {
	writers := []io.Writer{os.Stderr}
	if file != nil {
		writers = append(writers, file)
	}
	if store != nil {
		writers = append(writers, NewStoreWriter(store, "engine"))
	}
	return log.New(io.MultiWriter(writers...), "", log.LstdFlags)
}
