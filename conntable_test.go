// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"sync"
	"testing"
)

func TestConnTable_AllocateUniqueIDs(t *testing.T) {
	t.Parallel()

	table := newConnTable(nil)

	const n = 1000
	ids := make(chan uint32, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := net.Pipe()
			ids <- table.Allocate(c).id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate connection id %d", id)
		}
		seen[id] = true
	}

	if table.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, table.Len())
	}
}

func TestConnTable_LookupAfterRemove(t *testing.T) {
	t.Parallel()

	table := newConnTable(nil)

	c, _ := net.Pipe()
	e := table.Allocate(c)

	if _, ok := table.Lookup(e.id); !ok {
		t.Fatal("expected entry before remove")
	}

	table.Remove(e.id)

	if _, ok := table.Lookup(e.id); ok {
		t.Fatal("expected miss after remove")
	}

	// Removing twice is a no-op.
	table.Remove(e.id)
}

func TestConnTable_AddDuplicate(t *testing.T) {
	t.Parallel()

	table := newConnTable(nil)

	c0, _ := net.Pipe()
	c1, _ := net.Pipe()

	if _, err := table.Add(7, c0); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Add(7, c1); err != errConnOccupied {
		t.Fatalf("expected errConnOccupied, got %v", err)
	}
}

func TestConnTable_CloseAllIdempotent(t *testing.T) {
	t.Parallel()

	table := newConnTable(nil)

	for i := 0; i < 10; i++ {
		c, _ := net.Pipe()
		table.Allocate(c)
	}

	table.CloseAll()
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d entries", table.Len())
	}

	// Safe to invoke again from another teardown path.
	table.CloseAll()
}
