package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

// FileStore keeps the state document in a local YAML file.
type FileStore struct {
	path string
}

var _ StateStore = (*FileStore)(nil)

// NewFileStore returns a FileStore for the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the full path to the state file.
func (f *FileStore) Path() string {
	return f.path
}

// Read loads the state file.
func (f *FileStore) Read(ctx context.Context) (types.RunState, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Ctx(ctx).InfoContext(ctx, "no run state file", slog.String("path", f.path))
		} else {
			log.Ctx(ctx).WarnContext(ctx, "failed to read run state file", slog.String("path", f.path), slog.Any("error", err))
		}
		return types.RunState{}, false
	}
	return decodeState(ctx, data, f.path)
}

// Write replaces the state file atomically by writing a temp file next to
// it and renaming it over the old one.
func (f *FileStore) Write(ctx context.Context, state types.RunState) error {
	data, err := types.MarshalRunState(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "stored run state", slog.String("path", f.path), slog.Time("cursor", state.Cursor))
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error {
	return nil
}
