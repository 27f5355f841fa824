package state

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the state directory.
const DefaultDBFileName = "transfers.db"

const schema = `
CREATE TABLE IF NOT EXISTS transfer_states (
  role            TEXT NOT NULL CHECK(role IN ('sender','receiver')),
  transfer_id     TEXT NOT NULL,
  file_name       TEXT NOT NULL,
  file_size       INTEGER NOT NULL,
  total_chunks    INTEGER NOT NULL,
  received        TEXT NOT NULL,
  verified        TEXT NOT NULL,
  bytes_received  INTEGER NOT NULL DEFAULT 0,
  resume_attempts INTEGER NOT NULL DEFAULT 0,
  storage_method  TEXT NOT NULL CHECK(storage_method IN ('memory','streaming')),
  last_update     INTEGER NOT NULL,
  PRIMARY KEY (role, transfer_id)
);
CREATE INDEX IF NOT EXISTS idx_transfer_states_last_update
ON transfer_states (last_update DESC, transfer_id);
`

// sqliteStore is the transactional record store. If its schema goes
// missing it is dropped and recreated, at most once per cooldown window.
type sqliteStore struct {
	db *sql.DB

	mu           sync.Mutex
	lastRecreate time.Time
	cooldown     time.Duration
}

func openSQLite(dir string) (*sqliteStore, error) {
	dbPath := filepath.Join(dir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	s := &sqliteStore{db: db, cooldown: 30 * time.Second}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply transfer_states schema: %w", err)
	}
	return nil
}

// recoverSchema drops and recreates the table after a missing-structure
// error, rate-limited to once per cooldown window.
func (s *sqliteStore) recoverSchema(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastRecreate) < s.cooldown {
		return false
	}
	s.lastRecreate = now
	_, _ = s.db.Exec("DROP TABLE IF EXISTS transfer_states;")
	return s.migrate() == nil
}

func isMissingStructure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (s *sqliteStore) put(st *TransferState) error {
	received, err := marshalSet(st.Received)
	if err != nil {
		return err
	}
	verified, err := marshalSet(st.Verified)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO transfer_states
  (role, transfer_id, file_name, file_size, total_chunks, received, verified,
   bytes_received, resume_attempts, storage_method, last_update)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(role, transfer_id) DO UPDATE SET
  file_name = excluded.file_name,
  file_size = excluded.file_size,
  total_chunks = excluded.total_chunks,
  received = excluded.received,
  verified = excluded.verified,
  bytes_received = excluded.bytes_received,
  resume_attempts = excluded.resume_attempts,
  storage_method = excluded.storage_method,
  last_update = excluded.last_update;`,
		string(st.Role), st.TransferID, st.FileName, st.FileSize, st.TotalChunks,
		received, verified, st.BytesReceived, st.ResumeAttempts,
		string(st.StorageMethod), st.LastUpdate.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert transfer state: %w", err)
	}
	return nil
}

func (s *sqliteStore) get(role Role, transferID string) (*TransferState, error) {
	row := s.db.QueryRow(`
SELECT file_name, file_size, total_chunks, received, verified,
       bytes_received, resume_attempts, storage_method, last_update
FROM transfer_states WHERE role = ? AND transfer_id = ?;`,
		string(role), transferID)

	var (
		st                 = TransferState{TransferID: transferID, Role: role}
		received, verified string
		method             string
		lastUpdateMs       int64
	)
	err := row.Scan(&st.FileName, &st.FileSize, &st.TotalChunks, &received,
		&verified, &st.BytesReceived, &st.ResumeAttempts, &method, &lastUpdateMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer state: %w", err)
	}
	if st.Received, err = unmarshalSet(received); err != nil {
		return nil, fmt.Errorf("decode received set: %w", err)
	}
	if st.Verified, err = unmarshalSet(verified); err != nil {
		return nil, fmt.Errorf("decode verified set: %w", err)
	}
	st.StorageMethod = StorageMethod(method)
	st.LastUpdate = time.UnixMilli(lastUpdateMs)
	return &st, nil
}

func (s *sqliteStore) delete(role Role, transferID string) error {
	_, err := s.db.Exec(`DELETE FROM transfer_states WHERE role = ? AND transfer_id = ?;`,
		string(role), transferID)
	if err != nil {
		return fmt.Errorf("delete transfer state: %w", err)
	}
	return nil
}

// purge removes records older than cutoff or past the resume-attempt cap.
// It returns the number of rows removed.
func (s *sqliteStore) purge(cutoff time.Time, maxAttempts int) (int, error) {
	res, err := s.db.Exec(`
DELETE FROM transfer_states WHERE last_update < ? OR resume_attempts >= ?;`,
		cutoff.UnixMilli(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("purge transfer states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) close() error {
	return s.db.Close()
}
