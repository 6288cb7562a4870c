// Package protocol defines the wire protocol used to multiplex control and
// application traffic over a peer connection.
package protocol

// Frame type constants.
const (
	// Application frames
	FrameStreamData  uint8 = 0x04 // Payload data on an application stream
	FrameStreamClose uint8 = 0x05 // Graceful close of an application stream

	// Control frames
	FramePeerHello    uint8 = 0x20 // Initial handshake
	FramePeerHelloAck uint8 = 0x21 // Handshake response
	FrameKeepalive    uint8 = 0x22 // Liveness probe
	FrameKeepaliveAck uint8 = 0x23 // Liveness response
)

// Frame flags.
const (
	FlagFinWrite uint8 = 0x01 // Sender done writing
	FlagFinRead  uint8 = 0x02 // Sender done reading
)

// Protocol constants.
const (
	// ProtocolVersion is the current protocol version.
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 14

	// MaxPayloadSize is the maximum frame payload size (16 KB).
	MaxPayloadSize = 16384

	// MaxFrameSize is the maximum total frame size.
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// ControlStreamID is reserved for handshake and keepalive frames.
	ControlStreamID uint64 = 0
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameStreamData:
		return "STREAM_DATA"
	case FrameStreamClose:
		return "STREAM_CLOSE"
	case FramePeerHello:
		return "PEER_HELLO"
	case FramePeerHelloAck:
		return "PEER_HELLO_ACK"
	case FrameKeepalive:
		return "KEEPALIVE"
	case FrameKeepaliveAck:
		return "KEEPALIVE_ACK"
	default:
		return "UNKNOWN"
	}
}

// IsControlFrame returns true if the frame type is a handshake or keepalive frame.
func IsControlFrame(t uint8) bool {
	return t >= FramePeerHello && t <= FrameKeepaliveAck
}
