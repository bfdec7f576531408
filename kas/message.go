// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kas

import (
	"fmt"
	"math"
	"net"
	"strconv"

	"github.com/tmbx/kwm/lib/codec"
)

// Kind distinguishes commands, replies and events.
type Kind uint8

const (
	KindCommand Kind = 1
	KindReply   Kind = 2
	KindEvent   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindReply:
		return "reply"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Namespace groups message types by owner: session control or one of
// the workspace applications.
type Namespace uint16

// Type identifies a message: namespace in the high 16 bits, operation
// in the low 16.
type Type uint32

// MakeType builds a Type from its parts.
func MakeType(namespace Namespace, operation uint16) Type {
	return Type(namespace)<<16 | Type(operation)
}

// Namespace returns the namespace part of the type.
func (t Type) Namespace() Namespace { return Namespace(t >> 16) }

// Operation returns the operation part of the type.
func (t Type) Operation() uint16 { return uint16(t) }

func (t Type) String() string {
	return fmt.Sprintf("%d:%d", t.Namespace(), t.Operation())
}

// ServerID identifies a coordination server as host:port.
type ServerID string

// ParseServerID normalizes address to host:port, adding defaultPort
// when address has none.
func ParseServerID(address string, defaultPort int) (ServerID, error) {
	if address == "" {
		return "", fmt.Errorf("kas: empty server address")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("kas: server address %q has no host", address)
	}
	number, err := strconv.Atoi(port)
	if err != nil || number <= 0 || number > 65535 {
		return "", fmt.Errorf("kas: server address %q has invalid port", address)
	}
	return ServerID(net.JoinHostPort(host, port)), nil
}

// Message is one protocol message.
type Message struct {
	Kind Kind
	Type Type

	// ID is the request ID for commands and replies and the event ID
	// for events.
	ID uint64

	// Workspace is the external ID of the workspace the message
	// concerns, or zero.
	Workspace uint64

	// Date is a Unix timestamp in seconds, set on events.
	Date int64

	Fields []any
}

// wireMessage is the CBOR array layout of a Message.
type wireMessage struct {
	_         struct{} `cbor:",toarray"`
	Kind      Kind
	Type      Type
	ID        uint64
	Workspace uint64
	Date      int64
	Fields    []any
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := codec.Marshal(wireMessage{
		Kind:      msg.Kind,
		Type:      msg.Type,
		ID:        msg.ID,
		Workspace: msg.Workspace,
		Date:      msg.Date,
		Fields:    msg.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("kas: encoding %s %s: %w", msg.Kind, msg.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame. Malformed frames yield a *ProtocolError.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("undecodable frame: %v", err)}
	}
	switch wire.Kind {
	case KindCommand, KindReply, KindEvent:
	default:
		return Message{}, &ProtocolError{Type: wire.Type, Reason: fmt.Sprintf("unknown message kind %d", wire.Kind)}
	}
	return Message{
		Kind:      wire.Kind,
		Type:      wire.Type,
		ID:        wire.ID,
		Workspace: wire.Workspace,
		Date:      wire.Date,
		Fields:    wire.Fields,
	}, nil
}

// EncodeFields serializes just the field list, for storing event
// payloads.
func EncodeFields(fields []any) ([]byte, error) {
	if fields == nil {
		fields = []any{}
	}
	return codec.Marshal(fields)
}

// DecodeFields reverses EncodeFields.
func DecodeFields(data []byte) ([]any, error) {
	var fields []any
	if err := codec.Unmarshal(data, &fields); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("undecodable payload: %v", err)}
	}
	return fields, nil
}

func (m Message) field(index int) (any, error) {
	if index < 0 || index >= len(m.Fields) {
		return nil, &ProtocolError{Type: m.Type, Reason: fmt.Sprintf("missing field %d (have %d)", index, len(m.Fields))}
	}
	return m.Fields[index], nil
}

func (m Message) fieldError(index int, want string, got any) error {
	return &ProtocolError{Type: m.Type, Reason: fmt.Sprintf("field %d: want %s, got %T", index, want, got)}
}

// Uint returns field index as an unsigned integer.
func (m Message) Uint(index int) (uint64, error) {
	value, err := m.field(index)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	}
	return 0, m.fieldError(index, "unsigned integer", value)
}

// Uint32 returns field index as a uint32, rejecting larger values.
func (m Message) Uint32(index int) (uint32, error) {
	value, err := m.Uint(index)
	if err != nil {
		return 0, err
	}
	if value > math.MaxUint32 {
		return 0, &ProtocolError{Type: m.Type, Reason: fmt.Sprintf("field %d: %d overflows uint32", index, value)}
	}
	return uint32(value), nil
}

// Text returns field index as a string.
func (m Message) Text(index int) (string, error) {
	value, err := m.field(index)
	if err != nil {
		return "", err
	}
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", m.fieldError(index, "text", value)
}

// Bytes returns field index as a byte string. A nil field yields nil.
func (m Message) Bytes(index int) ([]byte, error) {
	value, err := m.field(index)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []byte:
		return v, nil
	case nil:
		return nil, nil
	}
	return nil, m.fieldError(index, "byte string", value)
}

// Bool returns field index as a boolean.
func (m Message) Bool(index int) (bool, error) {
	value, err := m.field(index)
	if err != nil {
		return false, err
	}
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, m.fieldError(index, "boolean", value)
}
