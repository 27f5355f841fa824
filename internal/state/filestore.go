package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileStore is the key-value fallback: one JSON file per (role, transferID).
// It trades transactional safety for availability when SQLite is failing.
type fileStore struct {
	dir string
}

func openFileStore(dir string) (*fileStore, error) {
	path := filepath.Join(dir, "fallback")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create fallback state directory: %w", err)
	}
	return &fileStore{dir: path}, nil
}

func (f *fileStore) path(role Role, transferID string) string {
	// Transfer IDs are UUIDs; keep the sanitizer anyway for imported IDs.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, transferID)
	return filepath.Join(f.dir, fmt.Sprintf("%s-%s.json", role, safe))
}

func (f *fileStore) put(st *TransferState) error {
	data, err := st.marshal()
	if err != nil {
		return fmt.Errorf("encode transfer state: %w", err)
	}
	path := f.path(st.Role, st.TransferID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write transfer state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit transfer state: %w", err)
	}
	return nil
}

func (f *fileStore) get(role Role, transferID string) (*TransferState, error) {
	data, err := os.ReadFile(f.path(role, transferID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transfer state: %w", err)
	}
	st, err := unmarshalState(data)
	if err != nil {
		return nil, fmt.Errorf("decode transfer state: %w", err)
	}
	return st, nil
}

func (f *fileStore) delete(role Role, transferID string) error {
	err := os.Remove(f.path(role, transferID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transfer state: %w", err)
	}
	return nil
}

func (f *fileStore) purge(cutoff time.Time, maxAttempts int) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("list fallback states: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(f.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		st, err := unmarshalState(data)
		if err != nil || st.LastUpdate.Before(cutoff) || st.ResumeAttempts >= maxAttempts {
			if os.Remove(full) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
