package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// DefaultDir is the cache root used when none is configured.
const DefaultDir = ".ebi_tools_cache"

const (
	lockFileName = ".lock"
	metaSuffix   = ".meta"
	lockRetry    = 20 * time.Millisecond
)

// DiskBackend stores one payload file per fingerprint:
//
//	<root>/<tool>/<hash>       raw payload as returned by the service
//	<root>/<tool>/<hash>.meta  JSON Metadata
//
// Both files are written to a temp file in the same directory and renamed
// into place. The sidecar is published first, so a visible payload always
// has its metadata. Operations hold a shared flock on <root>/.lock; Clear
// holds it exclusively, so a clear in one process cannot interleave with a
// write in another.
type DiskBackend struct {
	root   string
	logger *zap.Logger
}

var _ Backend = (*DiskBackend)(nil)

// NewDiskBackend creates dir if needed.
func NewDiskBackend(dir string, logger *zap.Logger) (*DiskBackend, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &DiskBackend{root: abs, logger: logger.Named("disk")}, nil
}

// Root returns the absolute cache directory.
func (d *DiskBackend) Root() string { return d.root }

func (d *DiskBackend) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := fp.Validate(); err != nil {
		return nil, false, err
	}
	unlock, err := d.lock(ctx, false)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	payloadPath := d.payloadPath(fp)
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read payload: %w", err)
	}

	raw, err := os.ReadFile(payloadPath + metaSuffix)
	if err != nil {
		return nil, false, fmt.Errorf("%w: payload without readable metadata: %v", errCorruptEntry, err)
	}
	meta, err := decodeMetadata(raw)
	if err != nil {
		return nil, false, err
	}

	return &Entry{Fingerprint: fp, Payload: payload, Meta: meta}, true, nil
}

func (d *DiskBackend) Put(ctx context.Context, e *Entry) error {
	if err := e.Fingerprint.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	unlock, err := d.lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	payloadPath := d.payloadPath(e.Fingerprint)
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o755); err != nil {
		return fmt.Errorf("failed to create tool directory: %w", err)
	}

	if err := writeFileAtomic(payloadPath+metaSuffix, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := writeFileAtomic(payloadPath, e.Payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// Delete removes the payload before the sidecar so the entry disappears in
// one step.
func (d *DiskBackend) Delete(ctx context.Context, fp Fingerprint) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	unlock, err := d.lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	payloadPath := d.payloadPath(fp)
	for _, p := range []string{payloadPath, payloadPath + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// Clear removes everything under the root except the lock file.
func (d *DiskBackend) Clear(ctx context.Context) error {
	unlock, err := d.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, de := range entries {
		if de.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.root, de.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", de.Name(), err)
		}
	}
	d.logger.Info("disk cache cleared", zap.String("root", d.root))
	return nil
}

func (d *DiskBackend) Close() error { return nil }

func (d *DiskBackend) payloadPath(fp Fingerprint) string {
	return filepath.Join(d.root, fp.Tool, fp.Hash)
}

// lock takes the directory lock. Each call opens its own descriptor:
// flock locks belong to the open file, so goroutines sharing one Flock
// would release each other's locks.
func (d *DiskBackend) lock(ctx context.Context, exclusive bool) (func(), error) {
	fl := flock.New(filepath.Join(d.root, lockFileName))

	var ok bool
	var err error
	if exclusive {
		ok, err = fl.TryLockContext(ctx, lockRetry)
	} else {
		ok, err = fl.TryRLockContext(ctx, lockRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache directory: %w", err)
	}
	if !ok {
		return nil, errors.New("failed to lock cache directory")
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			d.logger.Warn("failed to unlock cache directory", zap.Error(err))
		}
	}, nil
}

// writeFileAtomic writes data to a unique temp file next to path and
// renames it over path. Readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
