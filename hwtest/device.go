// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hwtest provides in-memory device endpoints for exercising the
// frame channel and device drivers in tests, without real hardware.
package hwtest

import (
	"testing"
)

// Handler maps one inbound frame to its response frame. Returning nil
// swallows the frame without answering, which simulates a hung device.
type Handler func(frame []byte) []byte

// NewDevicePipe starts a scripted device endpoint running handler on every
// received frame and returns the host side of the connection. The endpoint
// stops when either side is closed, which happens automatically at test
// cleanup.
func NewDevicePipe(t *testing.T, handler Handler) *Conn {
	t.Helper()

	host, device := Pair()

	go func() {
		buf := make([]byte, 255)
		for {
			n, err := device.Read(buf)
			if err != nil {
				return
			}

			frame := make([]byte, n)
			copy(frame, buf[:n])

			resp := handler(frame)
			if resp == nil {
				continue
			}

			if _, err := device.Write(resp); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = host.Close()
	})

	return host
}

// EchoHandler returns a handler that answers every frame with the frame
// itself prefixed by the given tag byte.
func EchoHandler(tag byte) Handler {
	return func(frame []byte) []byte {
		return append([]byte{tag}, frame...)
	}
}
