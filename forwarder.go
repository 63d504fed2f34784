// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"io"

	"github.com/quic-go/quic-go"

	"github.com/jeff2009wang/go-quic-tunnel/log"
	"github.com/jeff2009wang/go-quic-tunnel/proto"
)

// writeCloser is the half-close capability of *net.TCPConn.
type writeCloser interface {
	CloseWrite() error
}

// forwarder pumps bytes between a local TCP socket and the QUIC stream
// carrying its logical connection. Each direction runs its own loop, local
// reads are framed onto the stream and stream frames are stripped onto the
// local socket. Failures stay contained to this logical connection.
type forwarder struct {
	entry   *connEntry
	stream  io.ReadWriteCloser
	table   *connTable
	bufSize int
	logger  log.Logger
}

func newForwarder(entry *connEntry, stream io.ReadWriteCloser, table *connTable, bufSize int, logger log.Logger) *forwarder {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &forwarder{
		entry:   entry,
		stream:  stream,
		table:   table,
		bufSize: bufSize,
		logger:  logger,
	}
}

// run blocks until both directions are done, then removes the logical
// connection from the table and releases the stream.
func (f *forwarder) run() {
	done := make(chan struct{})
	go func() {
		f.localToStream()
		close(done)
	}()

	f.streamToLocal()
	<-done

	f.table.Remove(f.entry.id)
	if s, ok := f.stream.(quic.Stream); ok {
		s.CancelRead(quic.StreamErrorCode(codeShutdown))
	}
	f.stream.Close()

	sent, received := f.entry.totals()
	f.logger.Log(
		"level", 3,
		"action", "transferred",
		"connID", f.entry.id,
		"sent", sent,
		"received", received,
	)
}

// localToStream frames local reads onto the stream until the local socket
// reaches EOF or fails. Either way the peer is told to tear down its half
// with a zero-length frame.
func (f *forwarder) localToStream() {
	buf := make([]byte, f.bufSize)
	hdr := make([]byte, proto.FrameHeaderLen)

	for {
		n, err := f.entry.conn.Read(buf)
		if n > 0 {
			if werr := proto.WriteFrame(f.stream, hdr, f.entry.id, buf[:n]); werr != nil {
				f.logger.Log(
					"level", 2,
					"msg", "stream write failed",
					"connID", f.entry.id,
					"err", werr,
				)
				return
			}
			f.entry.addSent(int64(n))
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Log(
					"level", 2,
					"msg", "local read failed",
					"connID", f.entry.id,
					"err", err,
				)
			}
			// Close marker, the peer shuts its write half.
			proto.WriteFrame(f.stream, hdr, f.entry.id, nil)
			return
		}
	}
}

// streamToLocal strips frames off the stream and writes payloads to the
// local socket until a close marker, a stream EOF or an error.
func (f *forwarder) streamToLocal() {
	fr := proto.NewFrameReader(f.stream, uint32(f.bufSize))

	for {
		connID, payload, err := fr.Next()
		if err != nil {
			if err != io.EOF {
				f.logger.Log(
					"level", 2,
					"msg", "stream read failed",
					"connID", f.entry.id,
					"err", err,
				)
			}
			return
		}

		if connID != f.entry.id {
			// Frame for a connection this stream no longer carries, the
			// peer tore it down already. Drop it.
			f.logger.Log(
				"level", 3,
				"action", "dropped frame",
				"connID", connID,
				"want", f.entry.id,
			)
			continue
		}

		if len(payload) == 0 {
			f.closeWrite()
			return
		}

		if _, err := f.entry.conn.Write(payload); err != nil {
			f.logger.Log(
				"level", 2,
				"msg", "local write failed",
				"connID", f.entry.id,
				"err", err,
			)
			return
		}
		f.entry.addReceived(int64(len(payload)))
	}
}

// closeWrite shuts the local socket's write half so the service observes
// EOF, falling back to a full close when half-close is not supported.
func (f *forwarder) closeWrite() {
	if wc, ok := f.entry.conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	f.entry.close()
}
