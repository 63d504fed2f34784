// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package tunnel exposes TCP services running behind a NAT or firewall on a
// public relay by multiplexing them over a single QUIC connection. The
// client discovers locally listening ports, registers them on the relay
// over a control stream, and the relay mirrors each registered port with a
// public listener. Every accepted public connection is carried by its own
// QUIC stream and pumped to the matching local service on the client side.
package tunnel
