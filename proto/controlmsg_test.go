// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package proto

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestControlMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msgs := []*ControlMessage{
		{Kind: Register, Port: 8080, Ref: 1},
		{Kind: Deregister, Port: 22, Ref: 99},
		{Kind: Heartbeat},
		{Kind: Ack, Ref: 1},
		{Kind: Ack, Ref: 7, Error: "bind: address already in use"},
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteControlMessage(&buf, m); err != nil {
			t.Fatalf("write %s: %s", m, err)
		}
	}

	for _, want := range msgs {
		got, err := ReadControlMessage(&buf)
		if err != nil {
			t.Fatalf("read %s: %s", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("message mismatch: got %s, want %s", got, want)
		}
	}

	if _, err := ReadControlMessage(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestControlMessageInvalid(t *testing.T) {
	t.Parallel()

	invalid := [][]byte{
		{0, 0, 0, 0},                   // zero length
		{0, 0, 8, 0, 1},                // absurd length
		{0, 0, 0, 1, 200},              // unknown kind
		{0, 0, 0, 2, Heartbeat, 0},     // heartbeat with body
		{0, 0, 0, 3, Register, 0, 80},  // register too short
		{0, 0, 0, 2, Ack, 0},           // ack too short
	}

	for i, b := range invalid {
		_, err := ReadControlMessage(bytes.NewReader(b))
		if !errors.Is(err, ErrInvalidControlMessage) {
			t.Errorf("case %d: expected ErrInvalidControlMessage, got %v", i, err)
		}
	}
}

func TestControlMessageTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteControlMessage(&buf, &ControlMessage{Kind: Register, Port: 80, Ref: 5}); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()

	for cut := 1; cut < len(b); cut++ {
		_, err := ReadControlMessage(bytes.NewReader(b[:cut]))
		if !errors.Is(err, ErrInvalidControlMessage) {
			t.Errorf("cut at %d: expected ErrInvalidControlMessage, got %v", cut, err)
		}
	}
}
