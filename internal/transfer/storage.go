package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/driftbyte/driftbyte/internal/state"
)

// DefaultMemoryLimit is the file size at which reassembly switches from
// in-memory accumulation to streaming-to-disk.
const DefaultMemoryLimit = 64 * 1024 * 1024

// ErrStreamingUnavailable indicates no sink factory was configured and
// the caller declined the in-memory fallback.
var ErrStreamingUnavailable = errors.New("transfer: streaming storage unavailable")

// ChunkStore accumulates received chunks. Chunks arrive in index order
// over the ordered channel; Put must be idempotent on index.
type ChunkStore interface {
	// Put stores one chunk at its byte offset in the assembled file.
	// The offset is fixed the first time an index is observed, so a
	// chunk retransmitted after an integrity rejection still lands at
	// its original position. Duplicate indices are ignored.
	Put(index uint32, offset int64, payload []byte) error

	// VerifyWholeFile checks the assembled content against a hex
	// digest. Implementations that cannot re-read their output return
	// ErrVerifyUnsupported.
	VerifyWholeFile(hexDigest string) error

	// Finalize completes the artifact and returns its location
	// ("" for purely in-memory artifacts).
	Finalize() (string, error)

	// Bytes returns the assembled content for in-memory stores, nil otherwise.
	Bytes() []byte

	Close() error
}

// ErrVerifyUnsupported marks stores that cannot verify a whole-file
// digest after the fact. Streaming sinks have this limitation.
var ErrVerifyUnsupported = errors.New("transfer: whole-file verification unsupported for streaming storage")

// Sink is a destination for streamed chunks.
type Sink interface {
	io.WriterAt
	io.Closer
	Name() string
}

// SinkFactory creates a Sink for an incoming file. A nil factory means
// streaming-to-disk is unavailable on this host.
type SinkFactory func(fileName string, fileSize int64) (Sink, error)

// StoreSelector picks a storage strategy by capability rather than by
// runtime type checks.
type StoreSelector struct {
	// MemoryLimit is the streaming threshold. Zero uses DefaultMemoryLimit.
	MemoryLimit int64

	// NewSink creates streaming sinks; nil disables streaming.
	NewSink SinkFactory

	// ConfirmMemoryFallback is consulted when a large file arrives but
	// streaming is unavailable. Returning false cancels the transfer.
	ConfirmMemoryFallback func(fileName string, fileSize int64) bool
}

// Select returns the store and method for an incoming file.
func (s StoreSelector) Select(fileName string, fileSize int64) (ChunkStore, state.StorageMethod, error) {
	limit := s.MemoryLimit
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}

	if fileSize < limit {
		return newMemoryStore(fileSize), state.StorageMemory, nil
	}
	if s.NewSink != nil {
		sink, err := s.NewSink(fileName, fileSize)
		if err != nil {
			return nil, "", fmt.Errorf("create streaming sink: %w", err)
		}
		return newStreamStore(sink), state.StorageStreaming, nil
	}
	if s.ConfirmMemoryFallback != nil && s.ConfirmMemoryFallback(fileName, fileSize) {
		return newMemoryStore(fileSize), state.StorageMemory, nil
	}
	return nil, "", ErrStreamingUnavailable
}

// memoryStore accumulates chunks in memory and assembles them at finalize.
type memoryStore struct {
	chunks map[uint32][]byte
	bytes  []byte
}

func newMemoryStore(fileSize int64) *memoryStore {
	return &memoryStore{chunks: make(map[uint32][]byte)}
}

func (m *memoryStore) Put(index uint32, _ int64, payload []byte) error {
	if _, dup := m.chunks[index]; dup {
		return nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.chunks[index] = buf
	return nil
}

func (m *memoryStore) Finalize() (string, error) {
	indices := make([]uint32, 0, len(m.chunks))
	for i := range m.chunks {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var total int
	for _, i := range indices {
		total += len(m.chunks[i])
	}
	out := make([]byte, 0, total)
	for _, i := range indices {
		out = append(out, m.chunks[i]...)
	}
	m.bytes = out
	m.chunks = nil
	return "", nil
}

func (m *memoryStore) VerifyWholeFile(hexDigest string) error {
	sum := sha256.Sum256(m.bytes)
	if hex.EncodeToString(sum[:]) != hexDigest {
		return fmt.Errorf("whole-file digest mismatch: got %s, want %s",
			hex.EncodeToString(sum[:]), hexDigest)
	}
	return nil
}

func (m *memoryStore) Bytes() []byte { return m.bytes }

func (m *memoryStore) Close() error {
	m.chunks = nil
	return nil
}

// streamStore flushes chunks to a sink as they arrive, at the offsets
// the caller assigned when each index was first observed.
type streamStore struct {
	sink Sink
	seen map[uint32]struct{}
}

func newStreamStore(sink Sink) *streamStore {
	return &streamStore{sink: sink, seen: make(map[uint32]struct{})}
}

func (s *streamStore) Put(index uint32, offset int64, payload []byte) error {
	if _, dup := s.seen[index]; dup {
		return nil
	}
	if _, err := s.sink.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", index, offset, err)
	}
	s.seen[index] = struct{}{}
	return nil
}

func (s *streamStore) Finalize() (string, error) {
	if err := s.sink.Close(); err != nil {
		return "", fmt.Errorf("close streaming sink: %w", err)
	}
	return s.sink.Name(), nil
}

func (s *streamStore) VerifyWholeFile(string) error { return ErrVerifyUnsupported }

func (s *streamStore) Bytes() []byte { return nil }

func (s *streamStore) Close() error { return s.sink.Close() }

// FileSinkFactory streams incoming files into dir, creating it if needed.
func FileSinkFactory(dir string) SinkFactory {
	return func(fileName string, fileSize int64) (Sink, error) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		// Base name only: incoming names never escape the directory.
		return os.Create(filepath.Join(dir, filepath.Base(fileName)))
	}
}
