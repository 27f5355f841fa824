package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftbyte/driftbyte/internal/state"
)

func TestSelectorPicksMemoryBelowLimit(t *testing.T) {
	sel := StoreSelector{MemoryLimit: 1024}
	store, method, err := sel.Select("small.bin", 512)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if method != state.StorageMemory {
		t.Fatalf("method = %s, want memory", method)
	}
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("store type = %T, want *memoryStore", store)
	}
}

func TestSelectorPicksStreamingAboveLimit(t *testing.T) {
	dir := t.TempDir()
	sel := StoreSelector{MemoryLimit: 1024, NewSink: FileSinkFactory(dir)}
	store, method, err := sel.Select("big.bin", 4096)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if method != state.StorageStreaming {
		t.Fatalf("method = %s, want streaming", method)
	}
	if _, ok := store.(*streamStore); !ok {
		t.Fatalf("store type = %T, want *streamStore", store)
	}
}

func TestSelectorMemoryFallback(t *testing.T) {
	tests := []struct {
		name    string
		confirm func(string, int64) bool
		wantErr bool
	}{
		{"declined", func(string, int64) bool { return false }, true},
		{"no prompt", nil, true},
		{"accepted", func(string, int64) bool { return true }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := StoreSelector{MemoryLimit: 1024, ConfirmMemoryFallback: tt.confirm}
			_, _, err := sel.Select("big.bin", 4096)
			if tt.wantErr {
				if !errors.Is(err, ErrStreamingUnavailable) {
					t.Fatalf("err = %v, want ErrStreamingUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
		})
	}
}

func TestMemoryStoreAssemblesAndVerifies(t *testing.T) {
	store := newMemoryStore(12)
	chunks := [][]byte{[]byte("hell"), []byte("o wo"), []byte("rld!")}
	for i, c := range chunks {
		if err := store.Put(uint32(i), int64(i*4), c); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	// duplicates are ignored
	if err := store.Put(1, 4, []byte("XXXX")); err != nil {
		t.Fatalf("duplicate Put: %v", err)
	}

	if _, err := store.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := []byte("hello world!")
	if !bytes.Equal(store.Bytes(), want) {
		t.Fatalf("assembled = %q, want %q", store.Bytes(), want)
	}

	sum := sha256.Sum256(want)
	if err := store.VerifyWholeFile(hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("VerifyWholeFile: %v", err)
	}
	if err := store.VerifyWholeFile("deadbeef"); err == nil {
		t.Fatal("VerifyWholeFile accepted a wrong digest")
	}
}

func TestStreamStoreWritesAtGivenOffsets(t *testing.T) {
	dir := t.TempDir()
	sink, err := FileSinkFactory(dir)("out.bin", 12)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	store := newStreamStore(sink)

	// Chunk 1 arrives last; its offset decides where it lands.
	puts := []struct {
		index   uint32
		offset  int64
		payload string
	}{
		{0, 0, "hell"},
		{2, 8, "rld!"},
		{1, 4, "o wo"},
	}
	for _, p := range puts {
		if err := store.Put(p.index, p.offset, []byte(p.payload)); err != nil {
			t.Fatalf("Put(%d): %v", p.index, err)
		}
	}
	// a duplicate of an already-written index is a no-op
	if err := store.Put(2, 8, []byte("????")); err != nil {
		t.Fatalf("duplicate Put: %v", err)
	}

	path, err := store.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world!" {
		t.Fatalf("file content = %q, want %q", got, "hello world!")
	}
	if !errors.Is(store.VerifyWholeFile("anything"), ErrVerifyUnsupported) {
		t.Fatal("streaming store should report verification unsupported")
	}
}

func TestFileSinkFactoryStripsDirectories(t *testing.T) {
	dir := t.TempDir()
	sink, err := FileSinkFactory(dir)("../../etc/evil.bin", 4)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()
	if got, want := sink.Name(), filepath.Join(dir, "evil.bin"); got != want {
		t.Fatalf("sink path = %q, want %q", got, want)
	}
}
