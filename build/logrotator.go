package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip compresses rotated files with gzip. It is the default.
	Gzip = "gzip"

	// Zstd compresses rotated files with zstandard.
	Zstd = "zstd"
)

// logCompressors maps each compressor name to the suffix of its rotated files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// ErrRotatorStarted is returned when InitLogRotator is called twice.
var ErrRotatorStarted = errors.New("log rotator already initialized")

// SupportedLogCompressor returns true if name is a known compressor.
func SupportedLogCompressor(name string) bool {
	_, ok := logCompressors[name]
	return ok
}

// newCompressor returns the rotator compressor for name.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compressor: %w", err)
		}
		return enc, nil

	default:
		return nil, fmt.Errorf("log compressor %q not supported", name)
	}
}

// RotatingLogWriter writes to a size rotated log file. Writes before
// InitLogRotator and after Close are dropped.
type RotatingLogWriter struct {
	mu      sync.Mutex
	rotator *rotator.Rotator
}

// NewRotatingLogWriter returns a writer with no file attached yet.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator opens logFile, creating its directory, and rotates it in
// place according to cfg. The caller closes the writer on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	sizeKB := int64(cfg.MaxLogFileSize) * 1024
	rot, err := rotator.New(logFile, sizeKB, false, cfg.MaxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", logFile, err)
	}
	rot.SetCompressor(compressor, logCompressors[cfg.Compressor])

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator != nil {
		rot.Close()
		return ErrRotatorStarted
	}
	r.rotator = rot

	return nil
}

// Write implements io.Writer.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator == nil {
		return len(b), nil
	}

	return r.rotator.Write(b)
}

// Close flushes and closes the log file, if one is open.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator == nil {
		return nil
	}

	err := r.rotator.Close()
	r.rotator = nil

	return err
}
