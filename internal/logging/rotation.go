package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig bounds the size of rllm.log. It mirrors the logging
// section of the configuration file.
type RotationConfig struct {
	// MaxSizeMB is the size at which the file is rolled over. Zero disables
	// rotation.
	MaxSizeMB int
	// MaxBackups is how many rolled files are kept. With none, the live
	// file is truncated instead.
	MaxBackups int
	Compress   bool
}

// RotatingWriter appends to a log file and rolls it over to name.1 (newest)
// through name.N once a write would grow it past the size limit. It is safe
// for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	cfg     RotationConfig
	name    string
	f       *os.File
	written int64
}

// NewRotatingWriter opens name for appending, creating parent directories.
func NewRotatingWriter(name string, cfg RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rw := &RotatingWriter{cfg: cfg, name: name}
	if err := rw.reopen(os.O_APPEND); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) reopen(mode int) error {
	f, err := os.OpenFile(rw.name, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rw.f, rw.written = f, info.Size()
	return nil
}

// Write appends p, rolling the file over first when p would not fit. A
// failed roll-over is reported on stderr and p still goes to the live file.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return 0, os.ErrClosed
	}
	limit := int64(rw.cfg.MaxSizeMB) << 20
	if limit > 0 && rw.written > 0 && rw.written+int64(len(p)) > limit {
		if err := rw.rollOver(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
			if rw.f == nil {
				return 0, err
			}
		}
	}

	n, err := rw.f.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *RotatingWriter) rollOver() error {
	closeErr := rw.f.Close()
	rw.f = nil

	mode := os.O_TRUNC
	var archiveErr error
	if rw.cfg.MaxBackups > 0 {
		mode = os.O_APPEND
		if closeErr == nil {
			archiveErr = rw.archive()
		}
	}
	if err := rw.reopen(mode); err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log file: %w", closeErr)
	}
	return archiveErr
}

// archive shifts name.i to name.i+1, dropping the oldest, and moves the
// live file into name.1.
func (rw *RotatingWriter) archive() error {
	for i := rw.cfg.MaxBackups; i >= 1; i-- {
		for _, ext := range []string{"", ".gz"} {
			from := rw.backup(i) + ext
			if i == rw.cfg.MaxBackups {
				_ = os.Remove(from)
				continue
			}
			_ = os.Rename(from, rw.backup(i+1)+ext)
		}
	}

	if rw.cfg.Compress {
		if err := gzipInto(rw.backup(1)+".gz", rw.name); err == nil {
			return os.Remove(rw.name)
		}
	}
	if err := os.Rename(rw.name, rw.backup(1)); err != nil {
		return fmt.Errorf("failed to move log file aside: %w", err)
	}
	return nil
}

func (rw *RotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", rw.name, n)
}

// gzipInto writes a compressed copy of src to dst. dst is removed on failure.
func gzipInto(dst, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	zw := gzip.NewWriter(out)
	if _, err = io.Copy(zw, in); err != nil {
		return err
	}
	return zw.Close()
}

// Close syncs and closes the live file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return nil
	}
	f := rw.f
	rw.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return f.Close()
}
