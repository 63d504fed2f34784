// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jeff2009wang/go-quic-tunnel/log"
)

// connPool keeps pre-dialed connections to local services so that an
// inbound public connection doesn't pay local dial latency on the first
// byte. A checked out connection is never returned, the pool only ever
// produces fresh sockets and replenishes itself in the background. The
// pool size is a soft bound, under load checkout dials past it instead of
// queuing.
type connPool struct {
	host        string
	size        int
	dialTimeout time.Duration

	mu     sync.Mutex
	idle   map[uint16][]net.Conn
	closed bool

	logger log.Logger
}

func newConnPool(host string, size int, dialTimeout time.Duration, logger log.Logger) *connPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &connPool{
		host:        host,
		size:        size,
		dialTimeout: dialTimeout,
		idle:        make(map[uint16][]net.Conn),
		logger:      logger,
	}
}

// checkout returns a connection to the local service on port, preferring a
// warm one. A cache miss falls through to a fresh dial bounded by the dial
// timeout, it never blocks waiting for replenishment.
func (p *connPool) checkout(port uint16) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}

	if conns := p.idle[port]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.idle[port] = conns[:len(conns)-1]
		p.mu.Unlock()

		go p.replenish(port)
		return conn, nil
	}
	p.mu.Unlock()

	go p.replenish(port)
	return p.dial(port)
}

// warm starts keeping pre-dialed connections for port.
func (p *connPool) warm(port uint16) {
	go p.replenish(port)
}

// drop closes all warm connections for port and stops tracking it. Called
// when the port is deregistered.
func (p *connPool) drop(port uint16) {
	p.mu.Lock()
	conns := p.idle[port]
	delete(p.idle, port)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// close shuts the pool down, all idle connections are closed.
func (p *connPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[uint16][]net.Conn)
	p.mu.Unlock()

	for _, conns := range idle {
		for _, c := range conns {
			c.Close()
		}
	}
}

// replenish tops the idle set for port back up to the pool size. It runs
// in the background and never blocks a checkout.
func (p *connPool) replenish(port uint16) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle[port]) >= p.size {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		conn, err := p.dial(port)
		if err != nil {
			p.logger.Log(
				"level", 2,
				"msg", "pool replenish failed",
				"port", port,
				"err", err,
			)
			return
		}

		p.mu.Lock()
		if p.closed || len(p.idle[port]) >= p.size {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle[port] = append(p.idle[port], conn)
		p.mu.Unlock()
	}
}

func (p *connPool) dial(port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(p.host, fmt.Sprint(port))

	conn, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("local dial %s failed: %w", addr, err)
	}

	if err := keepAlive(conn); err != nil {
		p.logger.Log(
			"level", 2,
			"msg", "TCP keepalive for local connection failed",
			"addr", addr,
			"err", err,
		)
	}

	return conn, nil
}

// idleCount reports how many warm connections are held for port.
func (p *connPool) idleCount(port uint16) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[port])
}
