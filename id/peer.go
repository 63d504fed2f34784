// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package id

import (
	"crypto/tls"
	"fmt"
)

var emptyID [32]byte

// PeerID returns the ID of the remote peer based on the certificate it
// presented during the handshake. The connection state must come from a
// completed handshake.
func PeerID(cs tls.ConnectionState) (ID, error) {
	// We should have exactly one peer certificate.
	certs := cs.PeerCertificates
	if cl := len(certs); cl != 1 {
		return emptyID, ImproperCertsNumberError{cl}
	}

	// Get remote cert's ID.
	return New(certs[0].Raw), nil
}

// ImproperCertsNumberError is returned whenever the remote peer presents a
// number of PeerCertificates that is not 1.
type ImproperCertsNumberError struct {
	n int
}

func (e ImproperCertsNumberError) Error() string {
	return fmt.Sprintf("id: expecting 1 peer certificate, got %d", e.n)
}
