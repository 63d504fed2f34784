// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/jeff2009wang/go-quic-tunnel/log"
	"github.com/jeff2009wang/go-quic-tunnel/proto"
)

// ClientConfig is configuration of the Client.
type ClientConfig struct {
	// ServerAddr specifies UDP address of the tunnel server.
	ServerAddr string
	// TLSClientConfig specifies the tls configuration to use with the
	// QUIC dial.
	TLSClientConfig *tls.Config
	// DialQUIC specifies an optional dial function that creates a QUIC
	// connection to the server. If nil quic.DialAddr is used.
	DialQUIC func(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (quic.Connection, error)
	// Backoff specifies backoff policy on server connection retry. If nil
	// when dial fails it will not be retried.
	Backoff Backoff
	// TargetHost specifies the host local services are scanned and dialed
	// on. Defaults to 127.0.0.1.
	TargetHost string
	// Ports restricts monitoring to an explicit port list. If empty the
	// full range is scanned.
	Ports []uint16
	// ScanInterval specifies how often local ports are scanned.
	ScanInterval time.Duration
	// StableTime specifies how long a port must be continuously observed
	// before it's registered.
	StableTime time.Duration
	// GracePeriod specifies how long a tunneled port may stay unobserved
	// before it's deregistered.
	GracePeriod time.Duration
	// ProbeTimeout specifies a single port probe timeout.
	ProbeTimeout time.Duration
	// ScanWorkers caps concurrent port probes.
	ScanWorkers int
	// Lazy enables incremental scanning, each cycle probes only a slice
	// of the port range.
	Lazy bool
	// PoolSize specifies how many pre-dialed local connections are kept
	// warm per tunneled port.
	PoolSize int
	// DialTimeout bounds local service dials.
	DialTimeout time.Duration
	// Logger is optional logger. If nil logging is disabled.
	Logger log.Logger
}

// Client discovers local services, registers them on the tunnel server and
// pumps data streams to them. It owns one tunnel session at a time and
// reconnects with backoff when the session drops, re-registering tunneled
// ports on the fresh session. All logical connections of a dead session
// are lost, there is no cross-session migration.
type Client struct {
	config *ClientConfig

	tlsConf  *tls.Config
	quicConf *quic.Config

	table   *connTable
	pool    *connPool
	monitor *portMonitor

	ctrlMu sync.Mutex
	ctrl   quic.Stream

	lastEcho int64

	nextRef   uint32
	pendingMu sync.Mutex
	pending   map[uint32]chan error

	logger log.Logger
}

// NewClient creates a new unconnected Client based on configuration.
// Caller must invoke Start() on returned instance in order to connect
// server.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, errors.New("missing ServerAddr")
	}
	if config.TLSClientConfig == nil {
		return nil, errors.New("missing TLSClientConfig")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	targetHost := config.TargetHost
	if targetHost == "" {
		targetHost = "127.0.0.1"
	}

	tlsConf := config.TLSClientConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPNProtocol}
	}
	if tlsConf.ClientSessionCache == nil {
		// Session resumption, reconnects skip most of the handshake.
		tlsConf.ClientSessionCache = tls.NewLRUClientSessionCache(8)
	}

	c := &Client{
		config:  config,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:  DefaultMaxIdleTimeout,
			KeepAlivePeriod: DefaultHeartbeatInterval,
			TokenStore:      quic.NewLRUTokenStore(1, 16),
		},
		table:   newConnTable(logger),
		pool:    newConnPool(targetHost, config.PoolSize, config.DialTimeout, logger),
		pending: make(map[uint32]chan error),
		logger:  logger,
	}

	s := newScanner(targetHost, config.Ports, config.ScanWorkers, config.ProbeTimeout, config.Lazy, logger)
	c.monitor = newPortMonitor(s, c, config.ScanInterval, config.StableTime, config.GracePeriod, logger)

	return c, nil
}

// Start runs the client until the context is cancelled or a fatal error
// occurs. Transport failures trigger reconnection per the backoff policy,
// an authentication rejection by the server is fatal and not retried.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Log(
		"level", 1,
		"action", "start",
		"server", c.config.ServerAddr,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.pool.close()

	go c.monitor.run(ctx)

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}

		err = c.session(ctx, conn)
		c.teardown(conn, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isAuthError(err) {
			c.logger.Log(
				"level", 0,
				"msg", "server rejected client",
				"err", err,
			)
			return err
		}

		c.logger.Log(
			"level", 1,
			"action", "disconnected",
			"err", err,
		)
	}
}

// connect dials the server applying the backoff policy until a connection
// is established, the policy gives up or the dial fails fatally.
func (c *Client) connect(ctx context.Context) (quic.Connection, error) {
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			if b := c.config.Backoff; b != nil {
				b.Reset()
			}
			return conn, nil
		}
		if isAuthError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		b := c.config.Backoff
		if b == nil {
			return nil, err
		}
		d := b.NextBackOff()
		if d < 0 {
			return nil, fmt.Errorf("backoff limit exceeded: %s", err)
		}

		c.logger.Log(
			"level", 1,
			"action", "dial retry",
			"sleep", d,
			"err", err,
		)

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (quic.Connection, error) {
	c.logger.Log(
		"level", 1,
		"action", "dial",
		"addr", c.config.ServerAddr,
	)

	dctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if c.config.DialQUIC != nil {
		return c.config.DialQUIC(dctx, c.config.ServerAddr, c.tlsConf, c.quicConf)
	}
	return quic.DialAddr(dctx, c.config.ServerAddr, c.tlsConf, c.quicConf)
}

// session opens the control stream and serves the connection until it
// dies.
func (c *Client) session(ctx context.Context, conn quic.Connection) error {
	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("control stream failed: %w", err)
	}

	c.ctrlMu.Lock()
	c.ctrl = ctrl
	c.ctrlMu.Unlock()
	atomic.StoreInt64(&c.lastEcho, time.Now().UnixNano())

	c.logger.Log(
		"level", 1,
		"action", "connected",
		"addr", conn.RemoteAddr(),
	)

	// The fresh server session has no registrations, replay them.
	c.monitor.requestResync()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- c.controlLoop(ctrl) }()
	go func() { errc <- c.acceptLoop(sctx, conn) }()
	go c.heartbeatLoop(sctx)

	select {
	case err = <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases everything scoped to the dead session: the control
// stream, every logical connection and all pending acks. Idempotent by
// construction, CloseAll and CloseWithError tolerate repetition.
func (c *Client) teardown(conn quic.Connection, err error) {
	c.ctrlMu.Lock()
	c.ctrl = nil
	c.ctrlMu.Unlock()

	code := codeShutdown
	if errors.Is(err, proto.ErrInvalidControlMessage) {
		code = codeProtocolError
	}
	conn.CloseWithError(code, "")

	c.table.CloseAll()

	c.pendingMu.Lock()
	for ref, ch := range c.pending {
		ch <- errClientNotConnected
		delete(c.pending, ref)
	}
	c.pendingMu.Unlock()
}

func (c *Client) controlLoop(ctrl quic.Stream) error {
	for {
		msg, err := proto.ReadControlMessage(ctrl)
		if err != nil {
			return err
		}

		switch msg.Kind {
		case proto.Ack:
			c.deliverAck(msg)
		case proto.Heartbeat:
			atomic.StoreInt64(&c.lastEcho, time.Now().UnixNano())
			c.logger.Log(
				"level", 3,
				"action", "heartbeat echo",
			)
		default:
			c.logger.Log(
				"level", 2,
				"msg", "unexpected control message",
				"ctrlMsg", msg,
			)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(&proto.ControlMessage{Kind: proto.Heartbeat}); err != nil {
				c.logger.Log(
					"level", 2,
					"msg", "heartbeat failed",
					"err", err,
				)
				return
			}

			last := time.Unix(0, atomic.LoadInt64(&c.lastEcho))
			if silence := time.Since(last); silence > 3*DefaultHeartbeatInterval {
				c.logger.Log(
					"level", 1,
					"msg", "control channel unresponsive",
					"silence", silence,
				)
			}
		}
	}
}

// acceptLoop receives the data streams the server opens, one per public
// connection.
func (c *Client) acceptLoop(ctx context.Context, conn quic.Connection) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go c.handleStream(stream)
	}
}

// handleStream binds a fresh data stream to a local service connection and
// pumps it. Failures stay scoped to this stream.
func (c *Client) handleStream(stream quic.Stream) {
	stream.SetReadDeadline(time.Now().Add(DefaultTimeout))
	connID, port, err := proto.ReadPreamble(stream)
	stream.SetReadDeadline(time.Time{})
	if err != nil {
		c.logger.Log(
			"level", 2,
			"msg", "stream preamble failed",
			"err", err,
		)
		stream.CancelRead(quic.StreamErrorCode(codeProtocolError))
		stream.Close()
		return
	}

	logger := log.NewContext(c.logger).With("connID", connID, "port", port)

	local, err := c.pool.checkout(port)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "local dial failed",
			"err", err,
		)
		// Tell the peer this half is dead.
		hdr := make([]byte, proto.FrameHeaderLen)
		proto.WriteFrame(stream, hdr, connID, nil)
		stream.CancelRead(quic.StreamErrorCode(codeShutdown))
		stream.Close()
		return
	}

	entry, err := c.table.Add(connID, local)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "connection table insert failed",
			"err", err,
		)
		local.Close()
		stream.CancelRead(quic.StreamErrorCode(codeProtocolError))
		stream.Close()
		return
	}

	logger.Log(
		"level", 2,
		"action", "proxy",
	)
	newForwarder(entry, stream, c.table, DefaultBufferSize, logger).run()
}

// registerPort sends a registration and waits for the server's ack.
func (c *Client) registerPort(port uint16) error {
	if err := c.roundTrip(proto.Register, port); err != nil {
		return err
	}
	c.pool.warm(port)
	return nil
}

// deregisterPort sends a deregistration and waits for the server's ack.
// The warm pool for the port is dropped regardless of the outcome.
func (c *Client) deregisterPort(port uint16) error {
	err := c.roundTrip(proto.Deregister, port)
	c.pool.drop(port)
	return err
}

func (c *Client) roundTrip(kind byte, port uint16) error {
	ref := atomic.AddUint32(&c.nextRef, 1)

	ch := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[ref] = ch
	c.pendingMu.Unlock()

	msg := &proto.ControlMessage{Kind: kind, Port: port, Ref: ref}
	if err := c.writeControl(msg); err != nil {
		c.dropPending(ref)
		return err
	}

	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return nil
	case <-time.After(DefaultTimeout):
		c.dropPending(ref)
		return fmt.Errorf("%s: ack timeout", msg)
	}
}

func (c *Client) deliverAck(msg *proto.ControlMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.Ref]
	delete(c.pending, msg.Ref)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Log(
			"level", 2,
			"msg", "ack for unknown ref",
			"ctrlMsg", msg,
		)
		return
	}

	if msg.Error != "" {
		ch <- errors.New(msg.Error)
		return
	}
	ch <- nil
}

func (c *Client) dropPending(ref uint32) {
	c.pendingMu.Lock()
	delete(c.pending, ref)
	c.pendingMu.Unlock()
}

func (c *Client) writeControl(msg *proto.ControlMessage) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if c.ctrl == nil {
		return errClientNotConnected
	}
	return proto.WriteControlMessage(c.ctrl, msg)
}

// isAuthError reports whether err is the server telling us the client
// certificate was rejected. Unlike transport errors this is permanent and
// must not be retried.
func isAuthError(err error) bool {
	var appErr *quic.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.ErrorCode == codeAuthFailure
}
