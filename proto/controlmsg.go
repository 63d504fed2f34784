// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Control message kinds.
const (
	Register byte = iota + 1
	Deregister
	Heartbeat
	Ack
)

// maxControlSize bounds a single control message body. The control stream
// carries only tiny fixed messages, anything bigger means the stream is
// corrupted and the whole session must go down.
const maxControlSize = 1024

// ErrInvalidControlMessage is returned when a control message cannot be
// decoded. Unlike a bad data frame this is session-fatal, ordering on the
// control stream can no longer be trusted.
var ErrInvalidControlMessage = fmt.Errorf("invalid control message")

// ControlMessage is a single message on the control stream. Register and
// Deregister are sent by the client and carry Port and Ref. Ack is sent by
// the server in response and echoes Ref, with Error set when the request
// could not be honored. Heartbeat flows both ways and carries nothing.
type ControlMessage struct {
	Kind  byte
	Port  uint16
	Ref   uint32
	Error string
}

func (m *ControlMessage) String() string {
	switch m.Kind {
	case Register:
		return fmt.Sprintf("register port %d ref %d", m.Port, m.Ref)
	case Deregister:
		return fmt.Sprintf("deregister port %d ref %d", m.Port, m.Ref)
	case Heartbeat:
		return "heartbeat"
	case Ack:
		if m.Error != "" {
			return fmt.Sprintf("ack ref %d error %q", m.Ref, m.Error)
		}
		return fmt.Sprintf("ack ref %d", m.Ref)
	default:
		return fmt.Sprintf("unknown kind %d", m.Kind)
	}
}

// WriteControlMessage writes m to w as a single length-prefixed record,
// matching the data-frame convention of a big-endian length up front so the
// stream stays self-delimiting.
func WriteControlMessage(w io.Writer, m *ControlMessage) error {
	var body []byte

	switch m.Kind {
	case Register, Deregister:
		body = make([]byte, 7)
		body[0] = m.Kind
		binary.BigEndian.PutUint16(body[1:3], m.Port)
		binary.BigEndian.PutUint32(body[3:7], m.Ref)
	case Heartbeat:
		body = []byte{m.Kind}
	case Ack:
		body = make([]byte, 5+len(m.Error))
		body[0] = m.Kind
		binary.BigEndian.PutUint32(body[1:5], m.Ref)
		copy(body[5:], m.Error)
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidControlMessage, m.Kind)
	}

	b := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(body)))
	copy(b[4:], body)

	_, err := w.Write(b)
	return err
}

// ReadControlMessage reads the next control message from r. It returns
// io.EOF when the stream ends cleanly between messages and
// ErrInvalidControlMessage when the stream contents are not a valid
// message.
func ReadControlMessage(r io.Reader) (*ControlMessage, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated length", ErrInvalidControlMessage)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lb[:])
	if length == 0 || length > maxControlSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidControlMessage, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated body", ErrInvalidControlMessage)
	}

	m := &ControlMessage{Kind: body[0]}
	switch m.Kind {
	case Register, Deregister:
		if len(body) != 7 {
			return nil, fmt.Errorf("%w: body length %d", ErrInvalidControlMessage, len(body))
		}
		m.Port = binary.BigEndian.Uint16(body[1:3])
		m.Ref = binary.BigEndian.Uint32(body[3:7])
	case Heartbeat:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: body length %d", ErrInvalidControlMessage, len(body))
		}
	case Ack:
		if len(body) < 5 {
			return nil, fmt.Errorf("%w: body length %d", ErrInvalidControlMessage, len(body))
		}
		m.Ref = binary.BigEndian.Uint32(body[1:5])
		m.Error = string(body[5:])
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidControlMessage, m.Kind)
	}

	return m, nil
}
