// Package coordination implements the peer message contract: a fixed
// binary layout for messages and their payloads, and a Coordinator that
// turns inbound messages into local knowledge, topology and healing updates.
package coordination

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// MessageType identifies a peer message.
type MessageType uint8

const (
	MsgHeartbeat MessageType = iota
	MsgKnowledgeShare
	MsgHealingRequest
	MsgHealingResponse
	MsgTopologyUpdate
	MsgEmergency
)

var messageTypeNames = [...]string{
	"heartbeat", "knowledge_share", "healing_request", "healing_response", "topology_update", "emergency",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("message(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return int(t) < len(messageTypeNames) }

// Broadcast is the recipient id addressing every peer.
const Broadcast uint32 = 0

// MaxPayload bounds a message payload in bytes.
const MaxPayload = 512

const (
	wireVersion = 1
	headerSize  = 1 + 4 + 4 + 1 + 4 + 8 + 2
)

var (
	// ErrMalformed is returned for a message or payload with the wrong
	// size, version or type.
	ErrMalformed = errors.New("malformed message")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Message is one peer-to-peer coordination message.
type Message struct {
	Sender    uint32
	Recipient uint32
	Type      MessageType
	Seq       uint32
	Timestamp time.Time
	Payload   []byte
}

// IsBroadcast reports whether the message is addressed to every peer.
func (m Message) IsBroadcast() bool { return m.Recipient == Broadcast }

// MarshalBinary encodes the message in network byte order.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrMalformed, m.Type)
	}
	b := make([]byte, 0, headerSize+len(m.Payload))
	b = append(b, wireVersion)
	b = binary.BigEndian.AppendUint32(b, m.Sender)
	b = binary.BigEndian.AppendUint32(b, m.Recipient)
	b = append(b, byte(m.Type))
	b = binary.BigEndian.AppendUint32(b, m.Seq)
	b = binary.BigEndian.AppendUint64(b, unixNano(m.Timestamp))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Payload)))
	return append(b, m.Payload...), nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary. The payload
// is copied out of b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize || b[0] != wireVersion {
		return ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[22:24]))
	if n > MaxPayload {
		return ErrPayloadTooLarge
	}
	if len(b) != headerSize+n {
		return fmt.Errorf("%w: payload length %d, have %d", ErrMalformed, n, len(b)-headerSize)
	}
	t := MessageType(b[9])
	if !t.Valid() {
		return fmt.Errorf("%w: type %d", ErrMalformed, t)
	}
	*m = Message{
		Sender:    binary.BigEndian.Uint32(b[1:5]),
		Recipient: binary.BigEndian.Uint32(b[5:9]),
		Type:      t,
		Seq:       binary.BigEndian.Uint32(b[10:14]),
		Timestamp: fromUnixNano(binary.BigEndian.Uint64(b[14:22])),
		Payload:   append([]byte(nil), b[headerSize:]...),
	}
	return nil
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

// writer and reader keep the payload codecs short.

type writer struct{ b []byte }

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *writer) f32(v float64) {
	w.b = binary.BigEndian.AppendUint32(w.b, math.Float32bits(float32(v)))
}

// str writes a one-byte length followed by s; s must already be bounded.
func (w *writer) str(s string) {
	w.u8(uint8(len(s)))
	w.b = append(w.b, s...)
}

type reader struct {
	b   []byte
	err bool
}

func (r *reader) take(n int) []byte {
	if r.err || len(r.b) < n {
		r.err = true
		return make([]byte, n)
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }
func (r *reader) f32() float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(r.take(4))))
}
func (r *reader) str() string { return string(r.take(int(r.u8()))) }

// done reports ErrMalformed unless every byte was consumed exactly.
func (r *reader) done() error {
	if r.err || len(r.b) != 0 {
		return ErrMalformed
	}
	return nil
}
