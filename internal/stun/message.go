// Package stun implements the fixed-header binary message codec used by the
// NAT traversal server: a 20-byte header followed by type-length-value
// attributes, each padded to a 4-byte boundary.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

type MessageType uint16

const (
	TypeBindingRequest   MessageType = 0x0001
	TypeBindingResponse  MessageType = 0x0101
	TypeBindingError     MessageType = 0x0111
	TypeAllocateRequest  MessageType = 0x0003
	TypeAllocateResponse MessageType = 0x0103
)

type AttributeType uint16

const (
	AttrMappedAddress    AttributeType = 0x0001
	AttrUsername         AttributeType = 0x0006
	AttrMessageIntegrity AttributeType = 0x0008
	AttrErrorCode        AttributeType = 0x0009
	AttrRealm            AttributeType = 0x0014
	AttrNonce            AttributeType = 0x0015
	AttrXORMappedAddress AttributeType = 0x0020
	AttrSoftware         AttributeType = 0x8022
	AttrFingerprint      AttributeType = 0x8028
)

const (
	// MagicCookie is the fixed value carried in bytes 4..8 of every message.
	MagicCookie uint32 = 0x2112A442

	HeaderSize        = 20
	TransactionIDSize = 12

	familyIPv4 uint16 = 0x01
	familyIPv6 uint16 = 0x02
)

// DecodeError is returned for any malformed wire input. It never escapes as a
// panic; receive loops log it and drop the datagram.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "stun: " + e.Reason }

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Message is a parsed protocol message. Decoded messages are treated as
// immutable; mutation helpers exist only for building outbound responses.
type Message struct {
	Type          MessageType
	TransactionID [TransactionIDSize]byte
	Attributes    []Attribute
}

type Attribute struct {
	Type  AttributeType
	Value []byte
}

// NewMessage builds a message with a fresh random transaction id.
func NewMessage(msgType MessageType) (*Message, error) {
	m := &Message{Type: msgType}
	if _, err := rand.Read(m.TransactionID[:]); err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}
	return m, nil
}

// Response builds an empty reply carrying the request's transaction id.
func (m *Message) Response(msgType MessageType) *Message {
	return &Message{Type: msgType, TransactionID: m.TransactionID}
}

func (m *Message) Add(attrType AttributeType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})
}

// Get returns the first attribute of the given type.
func (m *Message) Get(attrType AttributeType) ([]byte, bool) {
	for _, attr := range m.Attributes {
		if attr.Type == attrType {
			return attr.Value, true
		}
	}
	return nil, false
}

func paddedLen(n int) int {
	if rem := n % 4; rem != 0 {
		return n + 4 - rem
	}
	return n
}

// Encode renders the message in wire format. Attribute padding bytes are zero
// and excluded from each attribute's declared length.
func (m *Message) Encode() []byte {
	attrLen := 0
	for _, attr := range m.Attributes {
		attrLen += 4 + paddedLen(len(attr.Value))
	}

	buf := make([]byte, HeaderSize+attrLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(attrLen))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:HeaderSize], m.TransactionID[:])

	offset := HeaderSize
	for _, attr := range m.Attributes {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(attr.Type))
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(attr.Value)))
		copy(buf[offset+4:], attr.Value)
		offset += 4 + paddedLen(len(attr.Value))
	}
	return buf
}

// Decode parses a wire-format message. It rejects buffers shorter than the
// header, a wrong magic cookie, and any attribute whose declared length
// exceeds the remaining buffer.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, decodeErrorf("message too short: %d bytes", len(data))
	}

	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != MagicCookie {
		return nil, decodeErrorf("bad magic cookie 0x%08X", cookie)
	}
	if len(data) < HeaderSize+msgLen {
		return nil, decodeErrorf("truncated message: declared %d attribute bytes, have %d", msgLen, len(data)-HeaderSize)
	}

	m := &Message{Type: MessageType(binary.BigEndian.Uint16(data[0:2]))}
	copy(m.TransactionID[:], data[8:HeaderSize])

	offset := HeaderSize
	end := HeaderSize + msgLen
	for offset < end {
		if offset+4 > end {
			return nil, decodeErrorf("truncated attribute header at offset %d", offset)
		}
		attrType := AttributeType(binary.BigEndian.Uint16(data[offset : offset+2]))
		valueLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+valueLen > end {
			return nil, decodeErrorf("attribute 0x%04X length %d exceeds remaining buffer", uint16(attrType), valueLen)
		}

		value := make([]byte, valueLen)
		copy(value, data[offset+4:])
		m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})

		offset += 4 + paddedLen(valueLen)
	}

	return m, nil
}

func (t MessageType) String() string {
	switch t {
	case TypeBindingRequest:
		return "BindingRequest"
	case TypeBindingResponse:
		return "BindingResponse"
	case TypeBindingError:
		return "BindingError"
	case TypeAllocateRequest:
		return "AllocateRequest"
	case TypeAllocateResponse:
		return "AllocateResponse"
	default:
		return fmt.Sprintf("MessageType(0x%04X)", uint16(t))
	}
}

func (t AttributeType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrUsername:
		return "USERNAME"
	case AttrErrorCode:
		return "ERROR-CODE"
	default:
		return fmt.Sprintf("AttributeType(0x%04X)", uint16(t))
	}
}
