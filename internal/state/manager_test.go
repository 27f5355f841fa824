package state

import (
	"testing"
	"time"
)

func openTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := Open(t.TempDir(), nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateFlushLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := m.Create(RoleReceiver, "xfer-1", "data.bin", 1000, 10, StorageMemory)
	st.MarkReceived(0, 100)
	st.MarkReceived(1, 100)
	st.MarkVerified(0)
	if err := m.Flush(st); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh manager must see the persisted record, not a cache.
	m2, err := Open(dir, nil, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	got, err := m2.Load(RoleReceiver, "xfer-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatalf("record not persisted")
	}
	if got.BytesReceived != 200 || len(got.Received) != 2 || len(got.Verified) != 1 {
		t.Fatalf("persisted record mismatch: %+v", got)
	}
}

func TestSaveCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil, Options{FlushWindow: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := m.Create(RoleReceiver, "xfer-1", "data.bin", 1000, 10, StorageMemory)
	for i := uint32(0); i < 5; i++ {
		st.MarkReceived(i, 100)
		m.Save(st)
	}
	time.Sleep(100 * time.Millisecond) // let the window flush
	m.Close()

	m2, err := Open(dir, nil, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	got, err := m2.Load(RoleReceiver, "xfer-1")
	if err != nil || got == nil {
		t.Fatalf("Load: %v, %v", got, err)
	}
	if len(got.Received) != 5 {
		t.Fatalf("received = %d chunks, want latest state with 5", len(got.Received))
	}
}

func TestCanResume(t *testing.T) {
	m := openTestManager(t, Options{MaxResumeAttempts: 3})

	st := m.Create(RoleReceiver, "partial", "a.bin", 1000, 10, StorageMemory)
	st.MarkReceived(0, 100)
	if err := m.Flush(st); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !m.CanResume(RoleReceiver, "partial") {
		t.Fatalf("partial fresh transfer should be resumable")
	}

	// Attempt cap blocks resumption even with chunks missing.
	st.ResumeAttempts = 3
	if err := m.Flush(st); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if m.CanResume(RoleReceiver, "partial") {
		t.Fatalf("resume allowed past attempt cap")
	}
}

func TestCanResumeRejectsEmptyAndComplete(t *testing.T) {
	m := openTestManager(t, Options{})

	empty := m.Create(RoleReceiver, "empty", "a.bin", 1000, 10, StorageMemory)
	m.Flush(empty)
	if m.CanResume(RoleReceiver, "empty") {
		t.Fatalf("transfer with nothing received should not resume")
	}

	full := m.Create(RoleReceiver, "full", "a.bin", 1000, 2, StorageMemory)
	full.MarkReceived(0, 500)
	full.MarkReceived(1, 500)
	m.Flush(full)
	if m.CanResume(RoleReceiver, "full") {
		t.Fatalf("complete transfer should not resume")
	}

	if m.CanResume(RoleReceiver, "nonexistent") {
		t.Fatalf("unknown transfer should not resume")
	}
}

func TestCanResumeExpiry(t *testing.T) {
	now := time.Now()
	m := openTestManager(t, Options{
		MaxAge: time.Hour,
		Now:    func() time.Time { return now },
	})

	st := m.Create(RoleReceiver, "old", "a.bin", 1000, 10, StorageMemory)
	st.MarkReceived(0, 100)
	m.Flush(st)

	if !m.CanResume(RoleReceiver, "old") {
		t.Fatalf("fresh record should resume")
	}
	now = now.Add(2 * time.Hour)
	if m.CanResume(RoleReceiver, "old") {
		t.Fatalf("expired record should not resume")
	}
}

func TestMissingChunksAfterReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := m.Create(RoleReceiver, "xfer-1", "a.bin", 1000, 8, StorageMemory)
	for i := uint32(0); i <= 4; i++ {
		st.MarkReceived(i, 100)
	}
	m.Flush(st)
	m.Close()

	m2, err := Open(dir, nil, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	missing, err := m2.MissingChunks(RoleReceiver, "xfer-1")
	if err != nil {
		t.Fatalf("MissingChunks: %v", err)
	}
	want := []uint32{5, 6, 7}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("missing = %v, want %v", missing, want)
		}
	}
}

func TestCleanupOldStates(t *testing.T) {
	now := time.Now()
	m := openTestManager(t, Options{
		MaxAge: time.Hour,
		Now:    func() time.Time { return now },
	})

	st := m.Create(RoleReceiver, "stale", "a.bin", 1000, 10, StorageMemory)
	st.MarkReceived(0, 100)
	m.Flush(st)

	now = now.Add(3 * time.Hour)
	if removed := m.CleanupOldStates(); removed < 1 {
		t.Fatalf("removed = %d, want at least 1", removed)
	}
	if got, _ := m.Load(RoleReceiver, "stale"); got != nil {
		t.Fatalf("stale record survived cleanup")
	}
}

func TestDelete(t *testing.T) {
	m := openTestManager(t, Options{})
	st := m.Create(RoleSender, "xfer-1", "a.bin", 100, 1, StorageMemory)
	m.Flush(st)

	if err := m.Delete(RoleSender, "xfer-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := m.Load(RoleSender, "xfer-1"); got != nil {
		t.Fatalf("record survived delete")
	}
}

func TestFallbackStoreRoundTrip(t *testing.T) {
	fs, err := openFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("openFileStore: %v", err)
	}
	st := newTestState(4)
	st.MarkReceived(0, 100)
	if err := fs.put(st); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := fs.get(st.Role, st.TransferID)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.BytesReceived != 100 {
		t.Fatalf("BytesReceived = %d, want 100", got.BytesReceived)
	}
	if err := fs.delete(st.Role, st.TransferID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := fs.get(st.Role, st.TransferID); got != nil {
		t.Fatalf("record survived delete")
	}
}
