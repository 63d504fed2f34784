// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/jeff2009wang/go-quic-tunnel/log"
)

// registrar drives tunnel registrations on the control channel. The client
// session implements it.
type registrar interface {
	registerPort(port uint16) error
	deregisterPort(port uint16) error
}

// portStatus tracks one observed local port through its lifecycle:
// freshly seen, stable after continuous observation, tunneled once the
// registration went out, gone after the grace period.
type portStatus struct {
	firstSeen time.Time
	lastSeen  time.Time
	tunneled  bool
}

// portMonitor scans local ports on an interval and keeps tunnel
// registrations in sync with what it observes. A port must be seen
// continuously for the stable time before it's registered, so flapping
// services never reach the control channel, and stays registered until
// unseen for the grace period. Each transition emits exactly one control
// message.
type portMonitor struct {
	scan         func(ctx context.Context) (map[uint16]struct{}, []uint16)
	registrar    registrar
	scanInterval time.Duration
	stableTime   time.Duration
	gracePeriod  time.Duration

	mu    sync.Mutex
	ports map[uint16]*portStatus

	resync    func(f func())
	resyncing chan struct{}

	now    func() time.Time
	logger log.Logger
}

func newPortMonitor(s *scanner, r registrar, scanInterval, stableTime, gracePeriod time.Duration, logger log.Logger) *portMonitor {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	if stableTime <= 0 {
		stableTime = DefaultStableTime
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &portMonitor{
		scan:         s.scan,
		registrar:    r,
		scanInterval: scanInterval,
		stableTime:   stableTime,
		gracePeriod:  gracePeriod,
		ports:        make(map[uint16]*portStatus),
		resync:       debounce.New(time.Second),
		resyncing:    make(chan struct{}, 1),
		now:          time.Now,
		logger:       logger,
	}
}

// run scans until the context is cancelled.
func (m *portMonitor) run(ctx context.Context) {
	m.logger.Log(
		"level", 1,
		"action", "monitor start",
		"interval", m.scanInterval,
	)

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		m.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.resyncing:
			m.reregister()
		case <-ticker.C:
		}
	}
}

// cycle runs one scan and applies the lifecycle transitions. In lazy mode
// only probed ports are touched, an unprobed port keeps its state.
func (m *portMonitor) cycle(ctx context.Context) {
	open, probed := m.scan(ctx)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, port := range probed {
		st := m.ports[port]

		if _, ok := open[port]; ok {
			if st == nil {
				m.ports[port] = &portStatus{firstSeen: now, lastSeen: now}
				m.logger.Log(
					"level", 2,
					"action", "port seen",
					"port", port,
				)
				continue
			}

			st.lastSeen = now
			if !st.tunneled && now.Sub(st.firstSeen) >= m.stableTime {
				if err := m.registrar.registerPort(port); err != nil {
					m.logger.Log(
						"level", 0,
						"msg", "register failed",
						"port", port,
						"err", err,
					)
					continue
				}
				st.tunneled = true
				m.logger.Log(
					"level", 1,
					"action", "port tunneled",
					"port", port,
				)
			}
			continue
		}

		if st == nil {
			continue
		}

		if !st.tunneled {
			// Vanished before ever reaching stable, no message was sent so
			// none is owed. Flaps die here.
			delete(m.ports, port)
			continue
		}

		if now.Sub(st.lastSeen) >= m.gracePeriod {
			if err := m.registrar.deregisterPort(port); err != nil {
				m.logger.Log(
					"level", 0,
					"msg", "deregister failed",
					"port", port,
					"err", err,
				)
			}
			delete(m.ports, port)
			m.logger.Log(
				"level", 1,
				"action", "port released",
				"port", port,
			)
		}
	}
}

// requestResync schedules re-registration of every tunneled port, used
// after a session reconnect when the server lost all registration state.
// Bursts of triggers collapse into a single sweep.
func (m *portMonitor) requestResync() {
	m.resync(func() {
		select {
		case m.resyncing <- struct{}{}:
		default:
		}
	})
}

// reregister replays a registration for every tunneled port.
func (m *portMonitor) reregister() {
	m.mu.Lock()
	tunneled := make([]uint16, 0, len(m.ports))
	for port, st := range m.ports {
		if st.tunneled {
			tunneled = append(tunneled, port)
		}
	}
	m.mu.Unlock()

	for _, port := range tunneled {
		if err := m.registrar.registerPort(port); err != nil {
			m.logger.Log(
				"level", 0,
				"msg", "re-register failed",
				"port", port,
				"err", err,
			)
		}
	}

	if len(tunneled) > 0 {
		m.logger.Log(
			"level", 1,
			"action", "re-registered",
			"count", len(tunneled),
		)
	}
}

// tunneledPorts returns the ports currently registered on the server.
func (m *portMonitor) tunneledPorts() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := make([]uint16, 0, len(m.ports))
	for port, st := range m.ports {
		if st.tunneled {
			ports = append(ports, port)
		}
	}
	return ports
}
