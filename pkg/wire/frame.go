package wire

import "encoding/binary"

const (
	// frameMagic identifies driftbyte transfer frames.
	frameMagic = "DBF1"

	// headerSize is magic(4) + type(4) + idLen(2) + payloadLen(4).
	headerSize = 14

	// maxTransferIDLength bounds the transfer ID field.
	maxTransferIDLength = 256
)

// Frame is one decoded transfer message.
type Frame struct {
	Type       uint32
	TransferID string
	Payload    []byte
}

// Encode frames a typed message for transmission. All integers are
// big-endian. The payload is referenced, not copied.
func Encode(msgType uint32, transferID string, payload []byte) []byte {
	id := []byte(transferID)
	buf := make([]byte, headerSize+len(id)+len(payload))
	copy(buf[0:4], frameMagic)
	binary.BigEndian.PutUint32(buf[4:8], msgType)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(id)))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(payload)))
	copy(buf[headerSize:], id)
	copy(buf[headerSize+len(id):], payload)
	return buf
}

// DataFrameOverhead is the number of framing bytes wrapped around a
// DATA chunk payload: the frame header, the transfer ID, and the fixed
// Data fields including the chunk hash. Senders subtract it from the
// channel's max message size to bound the chunk payload.
func DataFrameOverhead(transferID string) int {
	return headerSize + len(transferID) + dataFixedSize + dataHashSize
}

// Decode unframes a transfer message. It returns ok=false on any
// truncation or length mismatch; malformed frames are dropped by
// callers, never treated as fatal.
func Decode(buf []byte) (Frame, bool) {
	if len(buf) < headerSize {
		return Frame{}, false
	}
	if string(buf[0:4]) != frameMagic {
		return Frame{}, false
	}
	msgType := binary.BigEndian.Uint32(buf[4:8])
	idLen := int(binary.BigEndian.Uint16(buf[8:10]))
	payloadLen := int(binary.BigEndian.Uint32(buf[10:14]))
	if idLen > maxTransferIDLength {
		return Frame{}, false
	}
	if len(buf) != headerSize+idLen+payloadLen {
		return Frame{}, false
	}
	id := buf[headerSize : headerSize+idLen]
	payload := buf[headerSize+idLen:]
	return Frame{
		Type:       msgType,
		TransferID: string(id),
		Payload:    payload,
	}, true
}
