// Package persist implements crash-consistent persistence for the
// file-backed stores: atomic rename snapshots, rolling backups, and
// bounded retry for transient I/O errors.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrSnapshotFailed is returned when a snapshot could not be written
	// after all retries were exhausted.
	ErrSnapshotFailed = errors.New("persist: snapshot failed after retries")
)

// Retry policy shared by every store. Three attempts, 100ms base,
// doubling between attempts.
const (
	maxAttempts  = 3
	baseInterval = 100 * time.Millisecond
)

// Retry runs op with exponential backoff, logging each retried failure.
func Retry(op func() error, logger *slog.Logger, what string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(
		context.Background(),
		func() (struct{}, error) { return struct{}{}, op() },
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("transient failure, retrying",
				"op", what, "error", err, "next_attempt_in", next)
		}),
	)
	return err
}

// SnapshotStore persists a single JSON document with the
// write-temp / fsync / rename discipline and rotates rolling backups
// of the previous snapshot before each overwrite.
type SnapshotStore struct {
	path    string
	backups int
	logger  *slog.Logger
}

// NewSnapshotStore creates a store for path keeping `backups` rolling
// backups (`<path>.bak.1` newest). backups < 0 uses the default of 3.
func NewSnapshotStore(path string, backups int) (*SnapshotStore, error) {
	if path == "" {
		return nil, errors.New("persist: path must not be empty")
	}
	if backups < 0 {
		backups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("persist: create directory: %w", err)
	}
	return &SnapshotStore{
		path:    path,
		backups: backups,
		logger:  slog.Default().With("component", "persist", "path", path),
	}, nil
}

// Path returns the canonical snapshot path.
func (s *SnapshotStore) Path() string { return s.path }

// Save snapshots v: rotate backups, write to a temporary file, fsync,
// then rename over the canonical path. Transient errors are retried;
// exhaustion surfaces as ErrSnapshotFailed.
func (s *SnapshotStore) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal snapshot: %w", err)
	}

	err = Retry(func() error {
		s.rotateBackups()
		return s.writeAtomic(data)
	}, s.logger, "snapshot "+filepath.Base(s.path))
	if err != nil {
		s.logger.Error("snapshot failed after retries", "error", err)
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return nil
}

// Load reads the current snapshot into v. A missing file is not an
// error; v is left untouched and found=false is returned.
func (s *SnapshotStore) Load(v any) (found bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist: read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: decode snapshot: %w", err)
	}
	return true, nil
}

// LoadBackup reads the newest rolling backup into v, used when the
// canonical snapshot is damaged.
func (s *SnapshotStore) LoadBackup(v any) (found bool, err error) {
	data, err := os.ReadFile(s.backupPath(1))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist: read backup: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: decode backup: %w", err)
	}
	return true, nil
}

func (s *SnapshotStore) backupPath(n int) string {
	return fmt.Sprintf("%s.bak.%d", s.path, n)
}

// rotateBackups shifts bak.1 -> bak.2 ... and copies the current
// snapshot to bak.1. Rotation failures are logged, never fatal: a
// missed backup must not block the mutation itself.
func (s *SnapshotStore) rotateBackups() {
	if s.backups == 0 {
		return
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return
	}
	for n := s.backups - 1; n >= 1; n-- {
		src := s.backupPath(n)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, s.backupPath(n+1)); err != nil {
				s.logger.Warn("backup rotation failed", "from", src, "error", err)
			}
		}
	}
	if err := copyFile(s.path, s.backupPath(1)); err != nil {
		s.logger.Warn("backup copy failed", "error", err)
	}
}

func (s *SnapshotStore) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
