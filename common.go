// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the TLS ALPN protocol name spoken between client and
// server.
const ALPNProtocol = "quic-tunnel"

// QUIC application error codes used when closing a session.
const (
	codeShutdown quic.ApplicationErrorCode = iota
	codeAuthFailure
	codeProtocolError
	codeSessionExists
)

var (
	// DefaultTimeout specifies a general purpose timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultBufferSize is the size of a single pump buffer, it bounds the
	// frame payload size as well. Large buffers trade memory for fewer
	// stream writes.
	DefaultBufferSize = 1024 * 1024

	// DefaultHeartbeatInterval specifies how often the client pings the
	// server over the control stream.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultMaxIdleTimeout specifies how long a QUIC connection can stay
	// idle before it's considered dead.
	DefaultMaxIdleTimeout = 30 * time.Second

	// DefaultScanInterval specifies how often local ports are scanned.
	DefaultScanInterval = 30 * time.Second
	// DefaultStableTime specifies how long a port must be continuously
	// observed before it's registered.
	DefaultStableTime = 10 * time.Second
	// DefaultGracePeriod specifies how long a tunneled port may stay
	// unobserved before it's deregistered.
	DefaultGracePeriod = 30 * time.Second
	// DefaultProbeTimeout specifies a single port probe timeout.
	DefaultProbeTimeout = 300 * time.Millisecond
	// DefaultScanWorkers specifies how many probes may run concurrently.
	DefaultScanWorkers = 50
	// DefaultLazyBatchSize specifies how many ports an incremental scan
	// cycle covers.
	DefaultLazyBatchSize = 1000

	// DefaultPoolSize specifies how many pre-dialed local connections are
	// kept warm per tunneled port.
	DefaultPoolSize = 5
	// DefaultDialTimeout specifies local service dial timeout.
	DefaultDialTimeout = 5 * time.Second
)
