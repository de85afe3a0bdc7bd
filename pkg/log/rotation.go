// Size based log file rotation for gearboxd.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rotated files are named <base>.<stamp><ext>[.gz].
const rotationStamp = "20060102-150405.000"

// RotatingFileWriter is an io.Writer that rolls the file over once it
// exceeds MaxSize.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	compress    bool
	currentSize int64
	file        *os.File

	// background compress and prune
	bg sync.WaitGroup
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	Filename string

	// MaxSize in megabytes, default 10.
	MaxSize int

	// MaxBackups rotated files are kept, default 5.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// NewRotatingFileWriter opens (appending) or creates the log file.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, errors.New("log: filename is required")
	}
	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    int64(max(config.MaxSize, 0)) << 20,
		maxBackups: config.MaxBackups,
		compress:   config.Compress,
	}
	if w.maxSize == 0 {
		w.maxSize = 10 << 20
	}
	if w.maxBackups <= 0 {
		w.maxBackups = 5
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log: rotate: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// rotate renames the current file aside and starts a new one. w.mu is held.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(w.filename)
	rotated := strings.TrimSuffix(w.filename, ext) + "." + time.Now().Format(rotationStamp) + ext
	if err := os.Rename(w.filename, rotated); err != nil {
		w.open()
		return err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.compress {
			gzipFile(rotated)
		}
		w.pruneBackups()
	}()
	return w.open()
}

// Reopen closes and reopens the file by name, for use after an external
// tool moved it away.
func (w *RotatingFileWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
	}
	return w.open()
}

// gzipFile replaces name with name.gz. On failure the original stays.
func gzipFile(name string) {
	src, err := os.Open(name)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name + ".gz")
		return
	}
	os.Remove(name)
}

// pruneBackups keeps the newest maxBackups rotated files. The stamp sorts
// lexically in time order.
func (w *RotatingFileWriter) pruneBackups() {
	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if isRotatedFile(e.Name(), prefix, ext) {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		os.Remove(filepath.Join(dir, backups[0]))
		backups = backups[1:]
	}
}

// isRotatedFile matches prefix.YYYYMMDD-HHMMSS.mmm.ext with an optional .gz.
func isRotatedFile(name, prefix, ext string) bool {
	if !strings.HasPrefix(name, prefix+".") {
		return false
	}
	stamp := strings.TrimPrefix(name, prefix+".")
	stamp = strings.TrimSuffix(stamp, ".gz")
	stamp = strings.TrimSuffix(stamp, ext)
	if len(stamp) != len(rotationStamp) || stamp[8] != '-' || stamp[15] != '.' {
		return false
	}
	for _, part := range []string{stamp[:8], stamp[9:15], stamp[16:]} {
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// Close waits for background compression and closes the file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()

	w.bg.Wait()
	if f == nil {
		return nil
	}
	serr := f.Sync()
	return errors.Join(serr, f.Close())
}

// CurrentSize returns the size of the active file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// Filename returns the active log file path.
func (w *RotatingFileWriter) Filename() string {
	return w.filename
}

// AttachFile redirects l, and every logger sharing its output, to a
// rotating file. With console set the output is also kept on stderr.
// Colors are disabled since they end up in the file.
func AttachFile(l *Logger, config RotationConfig, console bool) (*RotatingFileWriter, error) {
	fw, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, err
	}
	if console {
		l.SetWriter(io.MultiWriter(os.Stderr, fw))
	} else {
		l.SetWriter(fw)
	}
	l.SetColorize(false)
	return fw, nil
}
