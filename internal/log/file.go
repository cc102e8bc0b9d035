package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingFile is the writer shared by a FileHandler and every handler
// derived from it through WithAttrs/WithGroup.
type rotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int
	size       int64
}

func openRotatingFile(cfg *Config) (*rotatingFile, error) {
	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	return &rotatingFile{
		file:       file,
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
		size:       info.Size(),
	}, nil
}

// Write appends p, rotating first when the size limit has been reached.
func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.size >= f.maxSize {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// rotate renames the current file with a timestamp suffix and starts a new one.
func (f *rotatingFile) rotate() error {
	f.file.Close()

	backupPath := f.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(f.path, backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	f.cleanOldBackups()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.file = nil
		return fmt.Errorf("create new log file: %w", err)
	}
	f.file = file
	f.size = 0
	return nil
}

// cleanOldBackups removes backup files exceeding maxBackups or older than maxAge.
func (f *rotatingFile) cleanOldBackups() {
	matches, err := filepath.Glob(f.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		backups = append(backups, backup{p, info.ModTime()})
	}
	// Newest first
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })

	cutoff := time.Now().AddDate(0, 0, -f.maxAge)
	for i, b := range backups {
		if i >= f.maxBackups || (f.maxAge > 0 && b.mod.Before(cutoff)) {
			os.Remove(b.path)
		}
	}
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// FileHandler writes logs to a file with size-based rotation.
type FileHandler struct {
	out   *rotatingFile
	level slog.Level
	inner slog.Handler
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	out, err := openRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	return &FileHandler{
		out:   out,
		level: level,
		inner: newFormatHandler(out, cfg.Format, level),
	}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record to the file.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{out: h.out, level: h.level, inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{out: h.out, level: h.level, inner: h.inner.WithGroup(name)}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	return h.out.Close()
}
