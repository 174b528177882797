// Package storage keeps uploaded files in the queue directory until they are
// printed, archived or discarded.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
)

const maxExtLen = 16

type Config struct {
	QueueDir string
	// MaxFileBytes caps a single upload. Zero disables the check.
	MaxFileBytes int64
	// MaxQueueBytes caps the total size of the queue directory. Zero disables the check.
	MaxQueueBytes int64
	Logger        *zap.Logger
}

// Disk stores uploads as <uuid><ext> files in a single directory.
type Disk struct {
	dir           string
	maxFileBytes  int64
	maxQueueBytes int64
	logger        *zap.Logger

	// admitMu serializes the final quota check of concurrent uploads.
	admitMu sync.Mutex
}

func New(cfg Config) (*Disk, error) {
	if cfg.QueueDir == "" {
		cfg.QueueDir = "queue"
	}
	dir, err := filepath.Abs(cfg.QueueDir)
	if err != nil {
		return nil, core.NewStorageError(core.StorageIOFault, "cannot resolve queue directory", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.NewStorageError(core.StorageIOFault,
			fmt.Sprintf("cannot create queue directory %s", dir), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Disk{
		dir:           dir,
		maxFileBytes:  cfg.MaxFileBytes,
		maxQueueBytes: cfg.MaxQueueBytes,
		logger:        logger,
	}, nil
}

func (d *Disk) Dir() string {
	return d.dir
}

// ValidateName rejects client file names that could not be stored safely.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return core.NewStorageError(core.StorageInvalidName, "missing file name", nil)
	case trimmed == "." || trimmed == "..":
		return core.NewStorageError(core.StorageInvalidName, "invalid file name", nil)
	case strings.ContainsAny(name, "/\\\x00"):
		return core.NewStorageError(core.StorageInvalidName, "file name must not contain path separators", nil)
	}
	return nil
}

func (d *Disk) Store(ctx context.Context, r io.Reader, suggestedName string) (core.Handle, error) {
	if err := ctx.Err(); err != nil {
		return core.Handle{}, core.NewStorageError(core.StorageIOFault, "upload cancelled", err)
	}
	if err := ValidateName(suggestedName); err != nil {
		return core.Handle{}, err
	}

	if d.maxQueueBytes > 0 {
		used, err := d.Usage()
		if err != nil {
			return core.Handle{}, core.NewStorageError(core.StorageIOFault, "cannot read queue directory", err)
		}
		if used >= d.maxQueueBytes {
			return core.Handle{}, core.NewStorageError(core.StorageQuota, "print queue is full", nil)
		}
	}

	path := filepath.Join(d.dir, uuid.NewString()+extension(suggestedName))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return core.Handle{}, d.writeError(err)
	}

	src := r
	if d.maxFileBytes > 0 {
		src = io.LimitReader(r, d.maxFileBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.cleanup(path)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.Handle{}, core.NewStorageError(core.StorageQuota, "file is too large",
				fmt.Errorf("%w: %w", core.ErrFileTooLarge, err))
		}
		return core.Handle{}, d.writeError(err)
	}

	switch {
	case n == 0:
		d.cleanup(path)
		return core.Handle{}, core.NewStorageError(core.StorageEmpty, "empty file", nil)
	case d.maxFileBytes > 0 && n > d.maxFileBytes:
		d.cleanup(path)
		return core.Handle{}, core.NewStorageError(core.StorageQuota,
			fmt.Sprintf("file is larger than %d bytes", d.maxFileBytes), core.ErrFileTooLarge)
	}
	if err := d.admit(path); err != nil {
		return core.Handle{}, err
	}

	d.logger.Debug("file stored", zap.String("path", path), zap.String("name", suggestedName), zap.Int64("size", n))

	return core.Handle{
		Path:     path,
		Name:     strings.TrimSpace(suggestedName),
		Size:     n,
		StoredAt: time.Now(),
	}, nil
}

// admit keeps the fully written file at path only if the queue directory,
// which already holds it, stays within quota. Admissions are serialized, so
// the admitted files never exceed the quota together; a rejected file is
// removed before the next admission runs.
func (d *Disk) admit(path string) error {
	if d.maxQueueBytes <= 0 {
		return nil
	}

	d.admitMu.Lock()
	defer d.admitMu.Unlock()

	used, err := d.Usage()
	if err != nil {
		d.cleanup(path)
		return core.NewStorageError(core.StorageIOFault, "cannot read queue directory", err)
	}
	if used > d.maxQueueBytes {
		d.cleanup(path)
		return core.NewStorageError(core.StorageQuota, "print queue is full", nil)
	}
	return nil
}

// Remove deletes a stored file. Missing files are not an error.
func (d *Disk) Remove(h core.Handle) error {
	if h.Path == "" {
		return nil
	}
	if filepath.Dir(filepath.Clean(h.Path)) != d.dir {
		return core.NewStorageError(core.StorageInvalidName,
			fmt.Sprintf("%s is outside the queue directory", h.Path), nil)
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return core.NewStorageError(core.StorageIOFault, "cannot remove queued file", err)
	}
	return nil
}

// Usage returns the number of bytes held in the queue directory.
func (d *Disk) Usage() (int64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (d *Disk) writeError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return core.NewStorageError(core.StorageQuota, "no space left for uploads", err)
	}
	return core.NewStorageError(core.StorageIOFault, "cannot write uploaded file", err)
}

func (d *Disk) cleanup(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove partial upload", zap.String("path", path), zap.Error(err))
	}
}

func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}
