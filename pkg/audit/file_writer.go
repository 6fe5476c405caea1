package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWriter appends entries as JSON lines. It is the fallback sink for rows
// the database rejected, so operators can replay them later.
type FileWriter struct {
	path    string
	maxSize int64

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileWriter opens (or creates) path for appending. Files larger than
// maxSize are rotated aside with a timestamp suffix; zero means 100MB.
func NewFileWriter(path string, maxSize int64) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit fallback directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024
	}
	w := &FileWriter{path: path, maxSize: maxSize}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit fallback file: %w", err)
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	return nil
}

func (w *FileWriter) rotateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil || info.Size() < w.maxSize {
		return nil
	}
	w.file.Close()
	rotated := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit fallback file: %w", err)
	}
	return w.open()
}

// Write appends entry as one JSON line
func (w *FileWriter) Write(ctx context.Context, entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("audit fallback file is closed")
	}
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	if err := w.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to write audit fallback entry: %w", err)
	}
	return nil
}

// Close closes the underlying file
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
