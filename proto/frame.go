// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package proto defines the wire format spoken on a tunnel's QUIC streams:
// length-prefixed data frames on data streams, a short preamble announcing
// a new data stream, and the control messages exchanged on the control
// stream.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderLen is the size of the data frame header, a big-endian payload
// length followed by a big-endian logical connection id.
const FrameHeaderLen = 8

// PreambleLen is the size of the stream preamble written by the server as
// the first bytes of every data stream it opens, a big-endian logical
// connection id followed by the big-endian target port.
const PreambleLen = 6

// DefaultMaxFrameSize bounds the payload length of a single data frame.
// A header announcing more than this is a protocol violation.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame header announces a payload
// exceeding the reader's maximum. The logical connection carrying the frame
// can no longer be trusted and must be torn down.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds maximum size")

// EncodeFrame returns a data frame carrying payload for the given logical
// connection, ready to be written to a stream. A nil or empty payload
// produces the close marker.
func EncodeFrame(connID uint32, payload []byte) []byte {
	b := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(b[4:8], connID)
	copy(b[FrameHeaderLen:], payload)
	return b
}

// WriteFrame writes a data frame to w reusing hdr as header scratch space,
// hdr must be at least FrameHeaderLen bytes. Header and payload are written
// separately, a stream is free to deliver them in arbitrary chunks.
func WriteFrame(w io.Writer, hdr []byte, connID uint32, payload []byte) error {
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], connID)
	if _, err := w.Write(hdr[:FrameHeaderLen]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// FrameReader reassembles data frames from a stream. The stream may deliver
// bytes in arbitrary chunks, frame boundaries need not align with read
// boundaries. FrameReader is not safe for concurrent use.
type FrameReader struct {
	r   io.Reader
	max uint32
	hdr [FrameHeaderLen]byte
	buf []byte
}

// NewFrameReader returns a FrameReader reading from r. Frames with payloads
// larger than max are rejected with ErrFrameTooLarge. If max is 0
// DefaultMaxFrameSize is used.
func NewFrameReader(r io.Reader, max uint32) *FrameReader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: max}
}

// Next reads the next complete frame. The returned payload is valid only
// until the following call to Next. A zero length payload with a nil error
// is the close marker for the logical connection. Next returns io.EOF when
// the stream ends cleanly on a frame boundary and io.ErrUnexpectedEOF when
// it ends mid-frame.
func (fr *FrameReader) Next() (connID uint32, payload []byte, err error) {
	if _, err = io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(fr.hdr[0:4])
	connID = binary.BigEndian.Uint32(fr.hdr[4:8])

	if length > fr.max {
		return connID, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return connID, nil, nil
	}

	if uint32(cap(fr.buf)) < length {
		fr.buf = make([]byte, length)
	}
	payload = fr.buf[:length]
	if _, err = io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return connID, nil, err
	}

	return connID, payload, nil
}

// WritePreamble announces a new data stream bound to the given logical
// connection and target port.
func WritePreamble(w io.Writer, connID uint32, port uint16) error {
	var b [PreambleLen]byte
	binary.BigEndian.PutUint32(b[0:4], connID)
	binary.BigEndian.PutUint16(b[4:6], port)
	_, err := w.Write(b[:])
	return err
}

// ReadPreamble reads a data stream preamble.
func ReadPreamble(r io.Reader) (connID uint32, port uint16, err error) {
	var b [PreambleLen]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint16(b[4:6]), nil
}
