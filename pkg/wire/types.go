package wire

// Message type constants for transfer frames.
const (
	TypeStart uint32 = 1
	TypeData  uint32 = 2
	TypeEnd   uint32 = 3
	TypeError uint32 = 4
	TypeAck   uint32 = 5
)

// TypeName returns a human-readable name for a message type.
func TypeName(t uint32) string {
	switch t {
	case TypeStart:
		return "start"
	case TypeData:
		return "data"
	case TypeEnd:
		return "end"
	case TypeError:
		return "error"
	case TypeAck:
		return "ack"
	default:
		return "unknown"
	}
}
