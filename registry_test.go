// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"testing"
)

func listenTCP(t *testing.T) (net.Listener, uint16) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	return l, uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestRegistry_AddHasRemove(t *testing.T) {
	t.Parallel()

	r := newRegistry(nil)
	l, port := listenTCP(t)

	if r.Has(port) {
		t.Fatal("empty registry has port")
	}
	if err := r.Add(port, l); err != nil {
		t.Fatal(err)
	}
	if !r.Has(port) {
		t.Fatal("registered port not found")
	}

	r.Remove(port)
	if r.Has(port) {
		t.Fatal("removed port still present")
	}
	if _, err := l.Accept(); err == nil {
		t.Fatal("listener still accepting after removal")
	}
}

func TestRegistry_AddOccupied(t *testing.T) {
	t.Parallel()

	r := newRegistry(nil)
	l1, port := listenTCP(t)
	l2, _ := listenTCP(t)

	if err := r.Add(port, l1); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(port, l2); err != errPortOccupied {
		t.Fatalf("error = %v, want %v", err, errPortOccupied)
	}
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	t.Parallel()

	r := newRegistry(nil)
	r.Remove(4242)
}

func TestRegistry_Clear(t *testing.T) {
	t.Parallel()

	r := newRegistry(nil)
	l1, port1 := listenTCP(t)
	l2, port2 := listenTCP(t)

	if err := r.Add(port1, l1); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(port2, l2); err != nil {
		t.Fatal(err)
	}

	r.Clear()
	r.Clear()

	if r.Has(port1) || r.Has(port2) {
		t.Fatal("registry not empty after clear")
	}
	if _, err := l1.Accept(); err == nil {
		t.Fatal("listener still accepting after clear")
	}
}
