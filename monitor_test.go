// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRegistrar records registrations and can be told to fail.
type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []uint16
	deregistered []uint16
	err          error
}

func (r *fakeRegistrar) registerPort(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.registered = append(r.registered, port)
	return nil
}

func (r *fakeRegistrar) deregisterPort(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.deregistered = append(r.deregistered, port)
	return nil
}

func (r *fakeRegistrar) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRegistrar) counts() (registered, deregistered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered), len(r.deregistered)
}

// testMonitor returns a monitor with a scripted scan and a manual clock.
func testMonitor(r registrar) (*portMonitor, *time.Time, *func() (map[uint16]struct{}, []uint16)) {
	s := newScanner("127.0.0.1", []uint16{80}, 1, time.Millisecond, false, nil)
	m := newPortMonitor(s, r, time.Hour, 10*time.Second, 30*time.Second, nil)

	now := time.Now()
	m.now = func() time.Time { return now }

	scan := func() (map[uint16]struct{}, []uint16) {
		return map[uint16]struct{}{80: {}}, []uint16{80}
	}
	m.scan = func(context.Context) (map[uint16]struct{}, []uint16) { return scan() }

	return m, &now, &scan
}

func TestPortMonitor_RegistersAfterStableTime(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, _ := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 0 {
		t.Fatalf("registered on first sighting")
	}

	*now = now.Add(5 * time.Second)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 0 {
		t.Fatalf("registered before stable time")
	}

	*now = now.Add(6 * time.Second)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 1 {
		t.Fatalf("registered %d times, want 1", reg)
	}

	// Steady state, no repeat messages.
	*now = now.Add(time.Minute)
	m.cycle(ctx)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 1 {
		t.Fatalf("registered %d times, want 1", reg)
	}
}

func TestPortMonitor_FlapNeverRegisters(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, scan := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)

	// Gone before stable time elapses.
	*scan = func() (map[uint16]struct{}, []uint16) {
		return nil, []uint16{80}
	}
	*now = now.Add(5 * time.Second)
	m.cycle(ctx)

	// Back again, the stable clock restarts from scratch.
	*scan = func() (map[uint16]struct{}, []uint16) {
		return map[uint16]struct{}{80: {}}, []uint16{80}
	}
	m.cycle(ctx)
	*now = now.Add(5 * time.Second)
	m.cycle(ctx)

	reg, dereg := r.counts()
	if reg != 0 || dereg != 0 {
		t.Fatalf("flapping port produced %d registers, %d deregisters", reg, dereg)
	}
}

func TestPortMonitor_DeregistersAfterGracePeriod(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, scan := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)
	*now = now.Add(11 * time.Second)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 1 {
		t.Fatalf("registered %d times, want 1", reg)
	}

	*scan = func() (map[uint16]struct{}, []uint16) {
		return nil, []uint16{80}
	}

	// Gone, but within the grace period.
	*now = now.Add(10 * time.Second)
	m.cycle(ctx)
	if _, dereg := r.counts(); dereg != 0 {
		t.Fatalf("deregistered within grace period")
	}

	*now = now.Add(25 * time.Second)
	m.cycle(ctx)
	if _, dereg := r.counts(); dereg != 1 {
		t.Fatalf("deregistered %d times, want 1", dereg)
	}

	// Forgotten, nothing more to say.
	m.cycle(ctx)
	if _, dereg := r.counts(); dereg != 1 {
		t.Fatalf("deregistered again for a forgotten port")
	}
}

func TestPortMonitor_GraceResetOnReappearance(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, scan := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)
	*now = now.Add(11 * time.Second)
	m.cycle(ctx)

	// Blips out and back within grace, registration must survive.
	*scan = func() (map[uint16]struct{}, []uint16) {
		return nil, []uint16{80}
	}
	*now = now.Add(10 * time.Second)
	m.cycle(ctx)

	*scan = func() (map[uint16]struct{}, []uint16) {
		return map[uint16]struct{}{80: {}}, []uint16{80}
	}
	*now = now.Add(10 * time.Second)
	m.cycle(ctx)

	*scan = func() (map[uint16]struct{}, []uint16) {
		return nil, []uint16{80}
	}
	*now = now.Add(20 * time.Second)
	m.cycle(ctx)

	reg, dereg := r.counts()
	if reg != 1 || dereg != 0 {
		t.Fatalf("got %d registers, %d deregisters, want 1, 0", reg, dereg)
	}
}

func TestPortMonitor_RegisterErrorRetried(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, _ := testMonitor(r)
	ctx := context.Background()

	r.fail(errors.New("control channel down"))

	m.cycle(ctx)
	*now = now.Add(11 * time.Second)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 0 {
		t.Fatalf("registered despite error")
	}

	r.fail(nil)
	m.cycle(ctx)
	if reg, _ := r.counts(); reg != 1 {
		t.Fatalf("registered %d times after recovery, want 1", reg)
	}
}

func TestPortMonitor_UnprobedPortsKeepState(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, scan := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)
	*now = now.Add(11 * time.Second)
	m.cycle(ctx)

	// Lazy cycles that skip the port entirely must not age it out.
	*scan = func() (map[uint16]struct{}, []uint16) {
		return nil, nil
	}
	*now = now.Add(time.Hour)
	m.cycle(ctx)

	if _, dereg := r.counts(); dereg != 0 {
		t.Fatalf("unprobed port was deregistered")
	}
	if ports := m.tunneledPorts(); len(ports) != 1 || ports[0] != 80 {
		t.Fatalf("tunneledPorts = %v, want [80]", ports)
	}
}

func TestPortMonitor_Reregister(t *testing.T) {
	t.Parallel()

	r := &fakeRegistrar{}
	m, now, _ := testMonitor(r)
	ctx := context.Background()

	m.cycle(ctx)
	*now = now.Add(11 * time.Second)
	m.cycle(ctx)

	m.reregister()

	if reg, _ := r.counts(); reg != 2 {
		t.Fatalf("registered %d times, want 2 after replay", reg)
	}
}
