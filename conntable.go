// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeff2009wang/go-quic-tunnel/log"
)

// connEntry is a single logical connection owned by a connTable. Byte
// counters are updated by the forwarder pumps with atomics, the local
// socket is closed exactly once no matter how many paths race to tear the
// entry down.
type connEntry struct {
	id        uint32
	conn      net.Conn
	createdAt time.Time

	sent         int64
	received     int64
	lastActivity int64

	closeOnce sync.Once
}

func (e *connEntry) addSent(n int64) {
	atomic.AddInt64(&e.sent, n)
	atomic.StoreInt64(&e.lastActivity, time.Now().UnixNano())
}

func (e *connEntry) addReceived(n int64) {
	atomic.AddInt64(&e.received, n)
	atomic.StoreInt64(&e.lastActivity, time.Now().UnixNano())
}

func (e *connEntry) totals() (sent, received int64) {
	return atomic.LoadInt64(&e.sent), atomic.LoadInt64(&e.received)
}

func (e *connEntry) close() {
	e.closeOnce.Do(func() {
		e.conn.Close()
	})
}

// connTable maps logical connection ids to local sockets. One instance is
// owned by each tunnel session, ids are unique for the session lifetime.
// Mutation is serialized, lookups take the read lock only.
type connTable struct {
	mu     sync.RWMutex
	conns  map[uint32]*connEntry
	nextID uint32
	logger log.Logger
}

func newConnTable(logger log.Logger) *connTable {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &connTable{
		conns:  make(map[uint32]*connEntry),
		logger: logger,
	}
}

// Allocate assigns the next connection id to conn and inserts it into the
// table. Ids are monotonically increasing, allocation never reuses an id
// within a session.
func (t *connTable) Allocate(conn net.Conn) *connEntry {
	id := atomic.AddUint32(&t.nextID, 1)

	e := &connEntry{
		id:        id,
		conn:      conn,
		createdAt: time.Now(),
	}

	t.mu.Lock()
	t.conns[id] = e
	t.mu.Unlock()

	return e
}

// Add inserts conn under an id assigned by the peer. It fails if the id is
// already taken.
func (t *connTable) Add(id uint32, conn net.Conn) (*connEntry, error) {
	e := &connEntry{
		id:        id,
		conn:      conn,
		createdAt: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[id]; ok {
		return nil, errConnOccupied
	}
	t.conns[id] = e

	return e, nil
}

// Lookup returns the entry for id. A miss is not an error, frames may
// arrive for a connection the peer already tore down and are silently
// dropped by the caller.
func (t *connTable) Lookup(id uint32) (*connEntry, bool) {
	t.mu.RLock()
	e, ok := t.conns[id]
	t.mu.RUnlock()
	return e, ok
}

// Remove deletes the entry and closes its local socket. Safe to call from
// both pump error paths and shutdown, repeated calls are no-ops.
func (t *connTable) Remove(id uint32) {
	t.mu.Lock()
	e, ok := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if !ok {
		return
	}

	e.close()

	sent, received := e.totals()
	t.logger.Log(
		"level", 3,
		"action", "connection removed",
		"connID", id,
		"sent", sent,
		"received", received,
	)
}

// Len returns the number of active logical connections.
func (t *connTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CloseAll tears down every logical connection in the table. It's invoked
// when the owning session ends, from error and graceful paths alike, and
// is idempotent.
func (t *connTable) CloseAll() {
	t.mu.Lock()
	entries := make([]*connEntry, 0, len(t.conns))
	for _, e := range t.conns {
		entries = append(entries, e)
	}
	t.conns = make(map[uint32]*connEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.close()
	}

	if len(entries) > 0 {
		t.logger.Log(
			"level", 2,
			"action", "closed all connections",
			"count", len(entries),
		)
	}
}
