package wire

import "fmt"

// EntityID is a scene-local entity number as produced by the sandbox.
type EntityID uint32

// ComponentID identifies a component kind on the wire.
type ComponentID uint16

// Timestamp is the producer's logical counter for one (entity, component) key.
// It is never wall-clock time.
type Timestamp uint32

// Kind is the frame operation.
type Kind uint8

const (
	KindPut          Kind = 0
	KindDelete       Kind = 1
	KindDeleteEntity Kind = 2
	KindAppend       Kind = 3
)

// HeaderSize is the fixed frame header length:
// [4B entity][2B component][1B kind][4B timestamp][4B payload length], little-endian.
const HeaderSize = 15

// DefaultMaxPayload bounds a single payload unless the decoder is told otherwise.
const DefaultMaxPayload = 1 << 20

func (k Kind) Valid() bool { return k <= KindAppend }

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	case KindDeleteEntity:
		return "DELETE_ENTITY"
	case KindAppend:
		return "APPEND"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one decoded frame. Payload may alias the buffer it was decoded
// from; consumers that keep it must copy.
type Message struct {
	Entity    EntityID
	Component ComponentID
	Kind      Kind
	Timestamp Timestamp
	Payload   []byte
}

// Key is the reconciliation key of a message.
type Key struct {
	Entity    EntityID
	Component ComponentID
}

func (m Message) Key() Key { return Key{Entity: m.Entity, Component: m.Component} }

func Put(e EntityID, c ComponentID, ts Timestamp, payload []byte) Message {
	return Message{Entity: e, Component: c, Kind: KindPut, Timestamp: ts, Payload: payload}
}

func Delete(e EntityID, c ComponentID, ts Timestamp) Message {
	return Message{Entity: e, Component: c, Kind: KindDelete, Timestamp: ts}
}

func DeleteEntity(e EntityID) Message {
	return Message{Entity: e, Kind: KindDeleteEntity}
}

func Append(e EntityID, c ComponentID, ts Timestamp, payload []byte) Message {
	return Message{Entity: e, Component: c, Kind: KindAppend, Timestamp: ts, Payload: payload}
}

func (m Message) String() string {
	switch m.Kind {
	case KindDeleteEntity:
		return fmt.Sprintf("%s e=%d", m.Kind, m.Entity)
	case KindDelete:
		return fmt.Sprintf("%s e=%d c=%d ts=%d", m.Kind, m.Entity, m.Component, m.Timestamp)
	default:
		return fmt.Sprintf("%s e=%d c=%d ts=%d len=%d", m.Kind, m.Entity, m.Component, m.Timestamp, len(m.Payload))
	}
}
