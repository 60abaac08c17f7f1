package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store backed by path. The path is used as given;
// home directory expansion happens in configuration.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.Named("snapshot_file")}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (*Snapshot, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Info("No saved session found.", zap.String("path", f.path))
		return nil, false
	}
	if err != nil {
		f.logger.Warn("Could not read saved session; starting fresh.", zap.String("path", f.path), zap.Error(err))
		return nil, false
	}

	snap, err := Decode(data)
	if err != nil {
		f.logger.Warn("Saved session is malformed; starting fresh.", zap.String("path", f.path), zap.Error(err))
		return nil, false
	}
	f.logger.Debug("Loaded saved session.",
		zap.String("path", f.path),
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("origins", len(snap.Origins)),
	)
	return snap, true
}

// Save writes snap to a temporary file next to the target, syncs it and
// renames it into place, so readers only ever see a complete document.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temporary snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temporary snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("restricting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	committed = true

	f.logger.Debug("Session saved.", zap.String("path", f.path), zap.Int("cookies", len(snap.Cookies)))
	return nil
}
