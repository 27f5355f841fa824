// Package state durably snapshots per-transfer progress so interrupted
// transfers can resume without re-sending verified chunks.
//
// Records are kept in a transactional SQLite store; after repeated
// SQLite failures writes fall back to a JSON file-per-record store,
// with a cooldown before the primary is retried.
package state

import (
	"encoding/json"
	"sort"
	"time"
)

// Role distinguishes the two directions a record can describe.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// StorageMethod is the receiver's reassembly strategy.
type StorageMethod string

const (
	StorageMemory    StorageMethod = "memory"
	StorageStreaming StorageMethod = "streaming"
)

// TransferState is the persisted progress record for one transfer.
type TransferState struct {
	TransferID     string
	Role           Role
	FileName       string
	FileSize       int64
	TotalChunks    uint32
	Received       map[uint32]struct{}
	Verified       map[uint32]struct{}
	BytesReceived  int64
	ResumeAttempts int
	StorageMethod  StorageMethod
	LastUpdate     time.Time
}

// MarkReceived records an accepted chunk. It returns false when the
// index was already present, so duplicates never double-count bytes.
func (s *TransferState) MarkReceived(index uint32, size int) bool {
	if _, dup := s.Received[index]; dup {
		return false
	}
	s.Received[index] = struct{}{}
	s.BytesReceived += int64(size)
	return true
}

// MarkVerified records a chunk whose checksum passed.
func (s *TransferState) MarkVerified(index uint32) {
	s.Verified[index] = struct{}{}
}

// ReceivedFraction is the share of expected chunks already stored.
func (s *TransferState) ReceivedFraction() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.Received)) / float64(s.TotalChunks)
}

// MissingChunks returns the complement of Received over [0, TotalChunks),
// sorted ascending.
func (s *TransferState) MissingChunks() []uint32 {
	missing := make([]uint32, 0)
	for i := uint32(0); i < s.TotalChunks; i++ {
		if _, ok := s.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// record is the serialized layout: sets as sorted arrays.
type record struct {
	TransferID     string        `json:"transfer_id"`
	Role           Role          `json:"role"`
	FileName       string        `json:"file_name"`
	FileSize       int64         `json:"file_size"`
	TotalChunks    uint32        `json:"total_chunks"`
	Received       []uint32      `json:"received_chunks"`
	Verified       []uint32      `json:"verified_chunks"`
	BytesReceived  int64         `json:"bytes_received"`
	ResumeAttempts int           `json:"resume_attempts"`
	StorageMethod  StorageMethod `json:"storage_method"`
	LastUpdateMs   int64         `json:"last_update_ms"`
}

func (s *TransferState) marshal() ([]byte, error) {
	return json.Marshal(record{
		TransferID:     s.TransferID,
		Role:           s.Role,
		FileName:       s.FileName,
		FileSize:       s.FileSize,
		TotalChunks:    s.TotalChunks,
		Received:       setToSorted(s.Received),
		Verified:       setToSorted(s.Verified),
		BytesReceived:  s.BytesReceived,
		ResumeAttempts: s.ResumeAttempts,
		StorageMethod:  s.StorageMethod,
		LastUpdateMs:   s.LastUpdate.UnixMilli(),
	})
}

func unmarshalState(data []byte) (*TransferState, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &TransferState{
		TransferID:     r.TransferID,
		Role:           r.Role,
		FileName:       r.FileName,
		FileSize:       r.FileSize,
		TotalChunks:    r.TotalChunks,
		Received:       sortedToSet(r.Received),
		Verified:       sortedToSet(r.Verified),
		BytesReceived:  r.BytesReceived,
		ResumeAttempts: r.ResumeAttempts,
		StorageMethod:  r.StorageMethod,
		LastUpdate:     time.UnixMilli(r.LastUpdateMs),
	}, nil
}

// clone takes a deep copy so the throttled writer never races the pipeline.
func (s *TransferState) clone() *TransferState {
	c := *s
	c.Received = make(map[uint32]struct{}, len(s.Received))
	for k := range s.Received {
		c.Received[k] = struct{}{}
	}
	c.Verified = make(map[uint32]struct{}, len(s.Verified))
	for k := range s.Verified {
		c.Verified[k] = struct{}{}
	}
	return &c
}

func setToSorted(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedToSet(arr []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(arr))
	for _, v := range arr {
		set[v] = struct{}{}
	}
	return set
}

func marshalSet(set map[uint32]struct{}) (string, error) {
	b, err := json.Marshal(setToSorted(set))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalSet(data string) (map[uint32]struct{}, error) {
	var arr []uint32
	if err := json.Unmarshal([]byte(data), &arr); err != nil {
		return nil, err
	}
	return sortedToSet(arr), nil
}
