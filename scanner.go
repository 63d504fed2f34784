// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jeff2009wang/go-quic-tunnel/log"
)

// scanner discovers listening TCP ports on a host with short connect
// probes. Probes run on a bounded worker pool so a slow or filtered port
// cannot stall the cycle. With no explicit port list the full range is
// covered, optionally in lazy mode where each cycle probes only a slice of
// the range and a cursor round-robins across cycles.
type scanner struct {
	host         string
	ports        []uint16
	workers      int
	probeTimeout time.Duration
	lazy         bool
	batchSize    int
	cursor       int

	logger log.Logger
}

func newScanner(host string, ports []uint16, workers int, probeTimeout time.Duration, lazy bool, logger log.Logger) *scanner {
	if workers <= 0 {
		workers = DefaultScanWorkers
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &scanner{
		host:         host,
		ports:        ports,
		workers:      workers,
		probeTimeout: probeTimeout,
		lazy:         lazy,
		batchSize:    DefaultLazyBatchSize,
		cursor:       1,
		logger:       logger,
	}
}

// scan probes one cycle's worth of ports. It returns the set found open
// and the list of ports actually probed, in lazy mode the latter is only a
// slice of the range and the caller must not treat unprobed ports as
// closed.
func (s *scanner) scan(ctx context.Context) (open map[uint16]struct{}, probed []uint16) {
	probed = s.nextBatch()

	s.logger.Log(
		"level", 3,
		"action", "scan",
		"host", s.host,
		"ports", len(probed),
	)

	open = make(map[uint16]struct{})

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		queue = make(chan uint16)
	)

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range queue {
				if !s.probe(ctx, port) {
					continue
				}
				mu.Lock()
				open[port] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	for _, port := range probed {
		select {
		case queue <- port:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return open, probed
		}
	}
	close(queue)
	wg.Wait()

	return open, probed
}

// nextBatch picks the ports for this cycle: the explicit list when
// configured, the whole range, or a lazy slice advancing the cursor.
func (s *scanner) nextBatch() []uint16 {
	if len(s.ports) > 0 {
		batch := make([]uint16, len(s.ports))
		copy(batch, s.ports)
		return batch
	}

	if !s.lazy {
		batch := make([]uint16, 0, 65535)
		for p := 1; p <= 65535; p++ {
			batch = append(batch, uint16(p))
		}
		return batch
	}

	if s.cursor > 65535 {
		s.cursor = 1
	}
	end := s.cursor + s.batchSize
	if end > 65536 {
		end = 65536
	}

	batch := make([]uint16, 0, end-s.cursor)
	for p := s.cursor; p < end; p++ {
		batch = append(batch, uint16(p))
	}
	s.cursor = end

	return batch
}

// probe reports whether anything accepts on the port. The connection is
// discarded immediately, this is observation only.
func (s *scanner) probe(ctx context.Context, port uint16) bool {
	d := net.Dialer{Timeout: s.probeTimeout}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
