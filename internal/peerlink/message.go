package peerlink

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// protocolVersion is bumped whenever the frame layout changes. Peers on
// different versions refuse each other's frames.
const protocolVersion = 1

// MessageType discriminates the frames exchanged between peers.
type MessageType uint8

const (
	// MessageRekey announces a freshly allocated QKD key id together with
	// the rotation sequence it belongs to.
	MessageRekey MessageType = 1
	// MessageAck confirms that the receiver retrieved the announced key
	// from its own QKD device.
	MessageAck MessageType = 2
)

// Message is the unit exchanged over the peer channel. It carries only a
// key reference and a sequence number, never key material.
type Message struct {
	Type     MessageType
	Sequence uint64
	KeyID    uuid.UUID
}

// Frame layout:
//
//	[1] version
//	[1] type
//	[8] sequence, big endian
//	[2] key id length, big endian
//	[n] key id bytes (16 for UUID ids, 0 for acks)
const headerLen = 12

// WriteMessage encodes m onto w as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	var id []byte
	if m.Type == MessageRekey {
		id = m.KeyID[:]
	}

	buf := make([]byte, headerLen+len(id))
	buf[0] = protocolVersion
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[2:10], m.Sequence)
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(id)))
	copy(buf[headerLen:], id)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage decodes exactly one frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	if header[0] != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", header[0])
	}

	m := &Message{
		Type:     MessageType(header[1]),
		Sequence: binary.BigEndian.Uint64(header[2:10]),
	}

	switch m.Type {
	case MessageRekey, MessageAck:
	default:
		return nil, fmt.Errorf("unknown message type %d", header[1])
	}

	idLen := binary.BigEndian.Uint16(header[10:12])
	switch idLen {
	case 0:
	case 16:
		var id [16]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, fmt.Errorf("read key id: %w", err)
		}
		m.KeyID = uuid.UUID(id)
	default:
		return nil, fmt.Errorf("unexpected key id length %d", idLen)
	}

	return m, nil
}
