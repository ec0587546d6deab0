package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mwantia/pacsindex/data"
)

// LocalStore keeps blobs as plain files below a root directory, fanned
// out over two nested directories taken from the uuid so no single
// directory grows unbounded.
type LocalStore struct {
	path string
}

func NewLocalStore(path string) *LocalStore {
	return &LocalStore{
		path: filepath.Clean(path),
	}
}

// Name returns the identifier name defined for this store.
func (*LocalStore) Name() string {
	return "local"
}

// resolvePath maps a uuid onto its fanout location, e.g.
// "ab/cd/abcd1234-...".
func (ls *LocalStore) resolvePath(id string) (string, error) {
	if len(id) < 4 {
		return "", fmt.Errorf("%w: uuid too short", data.ErrUnknownBlob)
	}

	return filepath.Join(ls.path, id[0:2], id[2:4], id), nil
}

func (ls *LocalStore) Create(ctx context.Context, id string, content []byte) error {
	path, err := ls.resolvePath(id)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a temporary neighbour first so readers never observe a
	// partially written blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}

	return nil
}

func (ls *LocalStore) Read(ctx context.Context, id string) ([]byte, error) {
	path, err := ls.resolvePath(id)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, data.ErrUnknownBlob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return content, nil
}

func (ls *LocalStore) Remove(ctx context.Context, id string) error {
	path, err := ls.resolvePath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}

	return nil
}

func (ls *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	path, err := ls.resolvePath(id)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}
