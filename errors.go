// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import "errors"

var (
	errClientNotConnected = errors.New("client not connected")
	errPortOccupied       = errors.New("port already registered")
	errPoolClosed         = errors.New("pool closed")
	errConnOccupied       = errors.New("connection id already in use")

	errUnauthorised = errors.New("unauthorised")
)
