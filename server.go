// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/jeff2009wang/go-quic-tunnel/id"
	"github.com/jeff2009wang/go-quic-tunnel/log"
	"github.com/jeff2009wang/go-quic-tunnel/proto"
)

// ServerConfig is configuration of the Server.
type ServerConfig struct {
	// Addr is UDP address to listen for QUIC tunnel connections.
	Addr string
	// TLSConfig specifies the tls configuration of the QUIC listener, it
	// must carry the server certificate.
	TLSConfig *tls.Config
	// ListenHost specifies the host public per-port listeners bind to.
	// Empty means all interfaces.
	ListenHost string
	// AllowedID pins the tunnel to a single client certificate identity.
	// If nil any client certificate is accepted.
	AllowedID *id.ID
	// Logger is optional logger. If nil logging is disabled.
	Logger log.Logger
}

// Server is the public endpoint of the tunnel. It accepts one client
// session, opens TCP listeners for the ports the client registers and
// bridges every accepted public connection over a dedicated QUIC stream.
type Server struct {
	config *ServerConfig

	listener *quic.Listener

	mu     sync.Mutex
	active quic.Connection

	logger log.Logger
}

// NewServer creates a new Server listening on the configured address.
func NewServer(config *ServerConfig) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("missing Addr")
	}
	if config.TLSConfig == nil {
		return nil, errors.New("missing TLSConfig")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	tlsConf := config.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPNProtocol}
	}
	if config.AllowedID != nil {
		tlsConf.ClientAuth = tls.RequireAnyClientCert
		// The identity check replaces chain verification.
		tlsConf.VerifyPeerCertificate = nil
		tlsConf.InsecureSkipVerify = true
	}

	l, err := quic.ListenAddr(config.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultHeartbeatInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s failed: %w", config.Addr, err)
	}

	logger.Log(
		"level", 1,
		"action", "listen",
		"addr", l.Addr(),
	)

	return &Server{
		config:   config,
		listener: l,
		logger:   logger,
	}, nil
}

// Addr returns the UDP address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start accepts client connections until the context is cancelled or the
// listener is stopped.
func (s *Server) Start(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleClient(ctx, conn)
	}
}

// Stop closes the listener and terminates the active session, pending
// Accept fails and Start returns.
func (s *Server) Stop() {
	s.listener.Close()

	s.mu.Lock()
	conn := s.active
	s.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(codeShutdown, "server shutdown")
	}
}

// handleClient authenticates the connection, claims the session slot and
// serves the session until it ends. All per-session state dies with it.
func (s *Server) handleClient(ctx context.Context, conn quic.Connection) {
	logger := log.NewContext(s.logger).With("addr", conn.RemoteAddr())

	logger.Log(
		"level", 1,
		"action", "try connect",
	)

	if s.config.AllowedID != nil {
		identifier, err := id.PeerID(conn.ConnectionState().TLS)
		if err != nil {
			logger.Log(
				"level", 0,
				"msg", "client certificate missing",
				"err", err,
			)
			conn.CloseWithError(codeAuthFailure, "certificate required")
			return
		}
		if !identifier.Equals(*s.config.AllowedID) {
			logger.Log(
				"level", 0,
				"msg", "unauthorised client",
				"identifier", identifier,
			)
			conn.CloseWithError(codeAuthFailure, errUnauthorised.Error())
			return
		}
		logger = logger.With("identifier", identifier)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		logger.Log(
			"level", 1,
			"msg", "rejecting connect, session exists",
		)
		conn.CloseWithError(codeSessionExists, "active session exists")
		return
	}
	s.active = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active == conn {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	logger.Log(
		"level", 1,
		"action", "connected",
	)

	s.serve(ctx, conn, logger)

	logger.Log(
		"level", 1,
		"action", "disconnected",
	)
}

// serve runs one client session: the client-opened control stream plus a
// listener per registered port.
func (s *Server) serve(ctx context.Context, conn quic.Connection, logger log.Logger) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := newRegistry(logger)
	table := newConnTable(logger)
	defer func() {
		reg.Clear()
		table.CloseAll()
		conn.CloseWithError(codeShutdown, "")
	}()

	ctrl, err := conn.AcceptStream(sctx)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "control stream failed",
			"err", err,
		)
		return
	}

	for {
		msg, err := proto.ReadControlMessage(ctrl)
		if err != nil {
			if errors.Is(err, proto.ErrInvalidControlMessage) {
				logger.Log(
					"level", 0,
					"msg", "malformed control message",
					"err", err,
				)
				conn.CloseWithError(codeProtocolError, err.Error())
			}
			return
		}

		switch msg.Kind {
		case proto.Register:
			s.register(sctx, conn, ctrl, reg, table, msg, logger)
		case proto.Deregister:
			reg.Remove(msg.Port)
			s.ack(ctrl, msg.Ref, "", logger)
		case proto.Heartbeat:
			logger.Log(
				"level", 3,
				"action", "heartbeat",
			)
			if err := proto.WriteControlMessage(ctrl, &proto.ControlMessage{Kind: proto.Heartbeat}); err != nil {
				return
			}
		default:
			logger.Log(
				"level", 0,
				"msg", "unexpected control message",
				"ctrlMsg", msg,
			)
			conn.CloseWithError(codeProtocolError, "unexpected control message")
			return
		}
	}
}

// register opens the public listener for the requested port and acks the
// outcome. Registering a port the session already holds acks success
// without a second listener.
func (s *Server) register(ctx context.Context, conn quic.Connection, ctrl quic.Stream, reg *registry, table *connTable, msg *proto.ControlMessage, logger log.Logger) {
	if reg.Has(msg.Port) {
		s.ack(ctrl, msg.Ref, "", logger)
		return
	}

	addr := net.JoinHostPort(s.config.ListenHost, fmt.Sprint(msg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "public listen failed",
			"addr", addr,
			"err", err,
		)
		s.ack(ctrl, msg.Ref, err.Error(), logger)
		return
	}

	if err := reg.Add(msg.Port, l); err != nil {
		l.Close()
		s.ack(ctrl, msg.Ref, err.Error(), logger)
		return
	}

	go s.listen(ctx, conn, msg.Port, l, table, logger)

	s.ack(ctrl, msg.Ref, "", logger)
}

func (s *Server) ack(ctrl quic.Stream, ref uint32, errMsg string, logger log.Logger) {
	msg := &proto.ControlMessage{Kind: proto.Ack, Ref: ref, Error: errMsg}
	if err := proto.WriteControlMessage(ctrl, msg); err != nil {
		logger.Log(
			"level", 0,
			"msg", "ack write failed",
			"err", err,
		)
	}
}

// listen accepts public connections for port until the listener is closed
// by deregistration or session teardown.
func (s *Server) listen(ctx context.Context, conn quic.Connection, port uint16, l net.Listener, table *connTable, logger log.Logger) {
	for {
		public, err := l.Accept()
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn, port, public, table, logger)
	}
}

// handleConn bridges one public connection over a fresh QUIC stream. The
// stream starts with a preamble binding it to the logical connection and
// target port.
func (s *Server) handleConn(ctx context.Context, conn quic.Connection, port uint16, public net.Conn, table *connTable, logger log.Logger) {
	if err := keepAlive(public); err != nil {
		logger.Log(
			"level", 2,
			"msg", "TCP keepalive for public connection failed",
			"addr", public.RemoteAddr(),
			"err", err,
		)
	}

	entry := table.Allocate(public)

	logger = log.NewContext(logger).With("connID", entry.id, "port", port)

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "stream open failed",
			"err", err,
		)
		table.Remove(entry.id)
		return
	}

	if err := proto.WritePreamble(stream, entry.id, port); err != nil {
		logger.Log(
			"level", 0,
			"msg", "stream preamble failed",
			"err", err,
		)
		table.Remove(entry.id)
		stream.CancelRead(quic.StreamErrorCode(codeShutdown))
		stream.Close()
		return
	}

	logger.Log(
		"level", 2,
		"action", "proxy",
		"src", public.RemoteAddr(),
	)
	newForwarder(entry, stream, table, DefaultBufferSize, logger).run()
}
