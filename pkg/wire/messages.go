package wire

import (
	"encoding/binary"
	"errors"
)

const (
	maxFileNameLength = 1024
	maxFileHashLength = 128

	// flagChunkHash marks a DATA payload carrying a per-chunk checksum.
	flagChunkHash = byte(0x01)
)

// ErrTruncated indicates a payload shorter than its declared layout.
var ErrTruncated = errors.New("wire: truncated payload")

// ErrFieldTooLong indicates a variable-length field exceeding its bound.
var ErrFieldTooLong = errors.New("wire: field too long")

// Start announces a new transfer.
type Start struct {
	FileName string
	FileSize uint64
	FileHash string // hex digest of the whole file, empty if unknown
}

// Data carries one file chunk.
type Data struct {
	Index         uint32
	TotalEstimate uint32 // sender's running estimate, authoritative count is in End
	ChunkHash     uint32 // CRC32-IEEE of Payload, valid only if HasHash
	HasHash       bool
	Payload       []byte
}

// End closes a transfer with the authoritative totals.
type End struct {
	TotalChunks uint32
	TotalBytes  uint64
	ElapsedMs   uint64
}

// ErrorMsg reports a transfer failure to the peer.
type ErrorMsg struct {
	Message string
}

// Ack reports receiver progress back to the sender.
type Ack struct {
	Percent    float64
	BytesAcked uint64
}

// EncodeStart serializes a Start payload.
func EncodeStart(s Start) []byte {
	name := []byte(s.FileName)
	hash := []byte(s.FileHash)
	buf := make([]byte, 2+len(name)+8+2+len(hash))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(name)))
	off += 2
	off += copy(buf[off:], name)
	binary.BigEndian.PutUint64(buf[off:], s.FileSize)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(hash)))
	off += 2
	copy(buf[off:], hash)
	return buf
}

// DecodeStart deserializes a Start payload.
func DecodeStart(buf []byte) (Start, error) {
	var s Start
	if len(buf) < 2 {
		return s, ErrTruncated
	}
	nameLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if nameLen > maxFileNameLength {
		return s, ErrFieldTooLong
	}
	off := 2
	if len(buf) < off+nameLen+8+2 {
		return s, ErrTruncated
	}
	s.FileName = string(buf[off : off+nameLen])
	off += nameLen
	s.FileSize = binary.BigEndian.Uint64(buf[off:])
	off += 8
	hashLen := int(binary.BigEndian.Uint16(buf[off:]))
	if hashLen > maxFileHashLength {
		return s, ErrFieldTooLong
	}
	off += 2
	if len(buf) != off+hashLen {
		return s, ErrTruncated
	}
	s.FileHash = string(buf[off:])
	return s, nil
}

const (
	// dataFixedSize is index(4) + totalEstimate(4) + payloadLen(4) + flags(1).
	dataFixedSize = 13
	// dataHashSize is the optional CRC32 field.
	dataHashSize = 4
)

// EncodeData serializes a Data payload. The chunk bytes follow the
// fixed fields so receivers can slice them without copying.
func EncodeData(d Data) []byte {
	fixed := dataFixedSize
	if d.HasHash {
		fixed += dataHashSize
	}
	buf := make([]byte, fixed+len(d.Payload))
	binary.BigEndian.PutUint32(buf[0:4], d.Index)
	binary.BigEndian.PutUint32(buf[4:8], d.TotalEstimate)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(d.Payload)))
	off := 12
	if d.HasHash {
		buf[off] = flagChunkHash
		off++
		binary.BigEndian.PutUint32(buf[off:], d.ChunkHash)
		off += 4
	} else {
		buf[off] = 0
		off++
	}
	copy(buf[off:], d.Payload)
	return buf
}

// DecodeData deserializes a Data payload. The returned Payload aliases buf.
func DecodeData(buf []byte) (Data, error) {
	var d Data
	if len(buf) < 13 {
		return d, ErrTruncated
	}
	d.Index = binary.BigEndian.Uint32(buf[0:4])
	d.TotalEstimate = binary.BigEndian.Uint32(buf[4:8])
	declared := int(binary.BigEndian.Uint32(buf[8:12]))
	flags := buf[12]
	off := 13
	if flags&flagChunkHash != 0 {
		if len(buf) < off+4 {
			return d, ErrTruncated
		}
		d.HasHash = true
		d.ChunkHash = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	if len(buf) != off+declared {
		return d, ErrTruncated
	}
	d.Payload = buf[off:]
	return d, nil
}

// EncodeEnd serializes an End payload.
func EncodeEnd(e End) []byte {
	buf := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(buf[0:4], e.TotalChunks)
	binary.BigEndian.PutUint64(buf[4:12], e.TotalBytes)
	binary.BigEndian.PutUint64(buf[12:20], e.ElapsedMs)
	return buf
}

// DecodeEnd deserializes an End payload.
func DecodeEnd(buf []byte) (End, error) {
	var e End
	if len(buf) != 20 {
		return e, ErrTruncated
	}
	e.TotalChunks = binary.BigEndian.Uint32(buf[0:4])
	e.TotalBytes = binary.BigEndian.Uint64(buf[4:12])
	e.ElapsedMs = binary.BigEndian.Uint64(buf[12:20])
	return e, nil
}

// EncodeErrorMsg serializes an ErrorMsg payload.
func EncodeErrorMsg(e ErrorMsg) []byte {
	msg := []byte(e.Message)
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(msg)))
	copy(buf[2:], msg)
	return buf
}

// DecodeErrorMsg deserializes an ErrorMsg payload.
func DecodeErrorMsg(buf []byte) (ErrorMsg, error) {
	var e ErrorMsg
	if len(buf) < 2 {
		return e, ErrTruncated
	}
	msgLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) != 2+msgLen {
		return e, ErrTruncated
	}
	e.Message = string(buf[2:])
	return e, nil
}

// EncodeAck serializes an Ack payload. Percent is carried in basis
// points to keep the layout integer-only.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, 4+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a.Percent*100))
	binary.BigEndian.PutUint64(buf[4:12], a.BytesAcked)
	return buf
}

// DecodeAck deserializes an Ack payload.
func DecodeAck(buf []byte) (Ack, error) {
	var a Ack
	if len(buf) != 12 {
		return a, ErrTruncated
	}
	a.Percent = float64(binary.BigEndian.Uint32(buf[0:4])) / 100
	a.BytesAcked = binary.BigEndian.Uint64(buf[4:12])
	return a, nil
}
