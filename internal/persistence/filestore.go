// Package persistence implements core.Store. FileStore is the default,
// dependency-free backend; SQLiteStore is the alternate backend for
// deployments that want transactional, checksum-verified storage.
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quantgrid/gridcore/internal/core"
)

// FileStore persists one GridState per instance as a JSON snapshot on
// disk, written atomically (write-to-temp, then rename) so a crash never
// leaves a half-written file behind (§6). The previous snapshot is kept
// alongside as a .bak file before being overwritten: the
// write-tmp-then-rename idiom, extended with one generation
// of backup retention since a grid instance's state is small enough that
// the cost is negligible and a corrupted last-write is otherwise
// unrecoverable.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir. dir is created if it
// does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json")
}

func (s *FileStore) bakPath(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json.bak")
}

func (s *FileStore) SaveState(ctx context.Context, state *core.GridState) error {
	data, err := encodeSnapshot(state)
	if err != nil {
		return fmt.Errorf("marshal grid state: %w", err)
	}

	// Round-trip validation before committing, so a marshaling bug is
	// caught here rather than surfacing as a corrupt snapshot on restart.
	if _, err := decodeSnapshot(data); err != nil {
		return fmt.Errorf("state failed round-trip validation: %w", err)
	}

	target := s.path(state.InstanceID)
	if existing, err := os.ReadFile(target); err == nil {
		_ = os.WriteFile(s.bakPath(state.InstanceID), existing, 0o644)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadState(ctx context.Context, instanceID string) (*core.GridState, error) {
	data, err := os.ReadFile(s.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	state, err := decodeSnapshot(data)
	if err != nil {
		// The primary snapshot is corrupt or unreadable; fall back to the
		// previous generation rather than failing startup outright. A
		// schema-version refusal is not "corrupt", but the backup
		// generation is checked on the same terms either way.
		bak, bakErr := os.ReadFile(s.bakPath(instanceID))
		if bakErr != nil {
			return nil, fmt.Errorf("load state file (and no usable backup): %w", err)
		}
		bakState, bakDecodeErr := decodeSnapshot(bak)
		if bakDecodeErr != nil {
			return nil, fmt.Errorf("load backup state file: %w", bakDecodeErr)
		}
		return bakState, nil
	}
	return state, nil
}

func (s *FileStore) DeleteState(ctx context.Context, instanceID string) error {
	if err := os.Remove(s.path(instanceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state file: %w", err)
	}
	_ = os.Remove(s.bakPath(instanceID))
	return nil
}

var _ core.Store = (*FileStore)(nil)
