package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/muti-metroo/internal/identity"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame represents a wire protocol frame.
// Header format (14 bytes):
//
//	Type     [1 byte]  - Frame type
//	Flags    [1 byte]  - Frame flags
//	Length   [4 bytes] - Payload length (big-endian)
//	StreamID [8 bytes] - Stream identifier (big-endian)
type Frame struct {
	Type     uint8
	Flags    uint8
	StreamID uint64
	Payload  []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[6:14], f.StreamID)

	copy(buf[14:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, flags uint8, length uint32, streamID uint64, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])
	streamID = binary.BigEndian.Uint64(buf[6:14])

	if length > MaxPayloadSize {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}

	return
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	frameType, flags, length, streamID, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, StreamID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.StreamID, len(f.Payload))
}

// PeerHello is the payload for PEER_HELLO and PEER_HELLO_ACK frames.
type PeerHello struct {
	Version      uint16
	PeerID       identity.PeerID
	Timestamp    uint64
	Capabilities []string
}

// Encode serializes PeerHello to bytes.
func (p *PeerHello) Encode() []byte {
	size := 2 + identity.IDSize + 8 + 1
	for _, cap := range p.Capabilities {
		size += 1 + len(cap)
	}

	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], p.Version)
	offset += 2

	copy(buf[offset:], p.PeerID[:])
	offset += identity.IDSize

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	buf[offset] = uint8(len(p.Capabilities))
	offset++

	for _, cap := range p.Capabilities {
		buf[offset] = uint8(len(cap))
		offset++
		copy(buf[offset:], cap)
		offset += len(cap)
	}

	return buf
}

// DecodePeerHello deserializes PeerHello from bytes.
func DecodePeerHello(buf []byte) (*PeerHello, error) {
	const minLen = 2 + identity.IDSize + 8 + 1
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: PeerHello too short", ErrInvalidFrame)
	}

	p := &PeerHello{}
	offset := 0

	p.Version = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	copy(p.PeerID[:], buf[offset:offset+identity.IDSize])
	offset += identity.IDSize

	p.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	capLen := int(buf[offset])
	offset++

	p.Capabilities = make([]string, 0, capLen)
	for i := 0; i < capLen; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: PeerHello capabilities truncated", ErrInvalidFrame)
		}
		strLen := int(buf[offset])
		offset++
		if offset+strLen > len(buf) {
			return nil, fmt.Errorf("%w: PeerHello capability string truncated", ErrInvalidFrame)
		}
		p.Capabilities = append(p.Capabilities, string(buf[offset:offset+strLen]))
		offset += strLen
	}

	return p, nil
}

// Keepalive is the payload for KEEPALIVE and KEEPALIVE_ACK frames.
type Keepalive struct {
	Timestamp uint64
}

// Encode serializes Keepalive to bytes.
func (k *Keepalive) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepalive deserializes Keepalive from bytes.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Keepalive too short", ErrInvalidFrame)
	}
	return &Keepalive{
		Timestamp: binary.BigEndian.Uint64(buf),
	}, nil
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, flags, length, streamID, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType uint8, flags uint8, streamID uint64, payload []byte) error {
	return fw.Write(&Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	})
}
