package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantgrid/gridcore/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the alternate core.Store backend: one row per instance,
// WAL mode for crash recovery, a serializable transaction per write, and a
// SHA-256 checksum to detect torn/corrupted rows — grounded on the
// teacher's single-row SQLiteStore, extended from a singleton table to one
// keyed by instance_id since a deployment may run more than one grid
// concurrently.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates, if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS grid_state (
	instance_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, state *core.GridState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	data, err := encodeSnapshot(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := decodeSnapshot(data); err != nil {
		return fmt.Errorf("state failed round-trip validation: %w", err)
	}

	checksum := sha256.Sum256(data)
	const query = `INSERT INTO grid_state (instance_id, data, checksum, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET data = excluded.data, checksum = excluded.checksum, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, state.InstanceID, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("write state row: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadState(ctx context.Context, instanceID string) (*core.GridState, error) {
	const query = `SELECT data, checksum FROM grid_state WHERE instance_id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read state row: %w", err)
	}

	computedChecksum := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computedChecksum) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computedChecksum), len(storedChecksum))
	}
	for i := range computedChecksum {
		if storedChecksum[i] != computedChecksum[i] {
			return nil, fmt.Errorf("checksum verification failed: state row corrupted")
		}
	}

	state, err := decodeSnapshot([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal state row: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) DeleteState(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grid_state WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete state row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ core.Store = (*SQLiteStore)(nil)
