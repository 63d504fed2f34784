// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"sync"

	"github.com/jeff2009wang/go-quic-tunnel/log"
)

// registry holds the public listeners a session opened for its registered
// ports. At most one registration exists per port. Owned by a single
// server session, never shared across sessions.
type registry struct {
	mu        sync.Mutex
	listeners map[uint16]net.Listener
	logger    log.Logger
}

func newRegistry(logger log.Logger) *registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &registry{
		listeners: make(map[uint16]net.Listener),
		logger:    logger,
	}
}

// Add records the public listener for port. Registering an occupied port
// is an error, the existing listener stays untouched.
func (r *registry) Add(port uint16, l net.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[port]; ok {
		return errPortOccupied
	}

	r.logger.Log(
		"level", 2,
		"action", "listener registered",
		"port", port,
		"addr", l.Addr(),
	)

	r.listeners[port] = l
	return nil
}

// Has reports whether port is registered.
func (r *registry) Has(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[port]
	return ok
}

// Remove closes and forgets the listener for port. Removing an unknown
// port is a no-op.
func (r *registry) Remove(port uint16) {
	r.mu.Lock()
	l, ok := r.listeners[port]
	delete(r.listeners, port)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Log(
		"level", 2,
		"action", "listener removed",
		"port", port,
	)
	l.Close()
}

// Clear closes every listener. Invoked when the session ends, safe to call
// more than once.
func (r *registry) Clear() {
	r.mu.Lock()
	listeners := r.listeners
	r.listeners = make(map[uint16]net.Listener)
	r.mu.Unlock()

	for port, l := range listeners {
		r.logger.Log(
			"level", 2,
			"action", "listener removed",
			"port", port,
		)
		l.Close()
	}
}
