// Package transfer drives file transfers over a message channel: the
// sending pipeline (chunking, hashing, pacing) and the receiving
// pipeline (validation, reassembly, finalization), with persisted
// progress for resumption.
package transfer

import (
	"time"

	"github.com/driftbyte/driftbyte/internal/state"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transfer is the public snapshot of one transfer.
type Transfer struct {
	ID               string
	FileName         string
	FileSize         int64
	TotalChunks      uint32 // estimate until the END frame fixes it
	ChunkSize        int
	Role             state.Role
	Status           Status
	FileHash         string
	BytesTransferred int64
	RateBps          float64       // EWMA-smoothed byte rate
	ETA              time.Duration // zero until a rate is established
	LastError        string
	OutputPath       string // streaming receivers: the assembled artifact
}

// recvPhase is the receiver-side state machine. Transitions:
// INITIALIZING -> RECEIVING -> FINALIZING -> COMPLETE | FAILED.
type recvPhase int

const (
	phaseInitializing recvPhase = iota
	phaseReceiving
	phaseFinalizing
	phaseComplete
	phaseFailed
)

func (p recvPhase) String() string {
	switch p {
	case phaseInitializing:
		return "initializing"
	case phaseReceiving:
		return "receiving"
	case phaseFinalizing:
		return "finalizing"
	case phaseComplete:
		return "complete"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// pendingChunk is a DATA payload held while its transfer initializes,
// tolerating START/DATA reordering.
type pendingChunk struct {
	payload []byte
	since   time.Time
}
