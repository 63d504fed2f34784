// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package id

import (
	"strings"
	"testing"
)

func TestID_StringRoundTrip(t *testing.T) {
	t.Parallel()

	i := NewFromString("test client certificate")
	s := i.String()

	var parsed ID
	if err := parsed.UnmarshalText([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if !parsed.Equals(i) {
		t.Fatalf("parsed %s, want %s", parsed, i)
	}
}

func TestID_StringFormat(t *testing.T) {
	t.Parallel()

	s := NewFromString("abc").String()

	chunks := strings.Split(s, "-")
	if len(chunks) != 8 {
		t.Fatalf("got %d chunks, want 8", len(chunks))
	}
	for _, c := range chunks {
		if len(c) != 7 {
			t.Fatalf("chunk %q has length %d, want 7", c, len(c))
		}
	}
}

func TestID_UnmarshalTextTolerant(t *testing.T) {
	t.Parallel()

	i := NewFromString("tolerant parsing")
	s := i.String()

	// Lowercase, no hyphens and lookalike typos are all accepted.
	mangled := strings.ToLower(strings.Replace(s, "-", " ", -1))
	mangled = strings.Replace(mangled, "o", "0", -1)

	var parsed ID
	if err := parsed.UnmarshalText([]byte(mangled)); err != nil {
		t.Fatal(err)
	}
	if !parsed.Equals(i) {
		t.Fatalf("parsed %s, want %s", parsed, i)
	}
}

func TestID_UnmarshalTextErrors(t *testing.T) {
	t.Parallel()

	table := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too short", "ABCDEFG"},
		{"bad check digit", strings.Repeat("A", 55) + "B"},
	}

	for _, tt := range table {
		var i ID
		if err := i.UnmarshalText([]byte(tt.in)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestID_Equals(t *testing.T) {
	t.Parallel()

	a := NewFromString("a")
	b := NewFromString("b")

	if !a.Equals(NewFromString("a")) {
		t.Error("identical inputs differ")
	}
	if a.Equals(b) {
		t.Error("distinct inputs equal")
	}
}
