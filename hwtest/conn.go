// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwtest

import (
	"io"
	"os"
	"sync"
	"time"
)

// connBuffer is the number of frames a Conn direction can hold before a
// writer blocks. It is sized so a full signing batch can be written without
// the peer draining, matching the store-and-forward contract of the device
// channel.
const connBuffer = 64

// Conn is one end of an in-memory, buffered, frame-preserving duplex
// connection. Unlike net.Pipe, writes do not rendezvous with reads, so a
// caller can transmit a whole frame batch before the peer consumes any of
// it. Each Write delivers exactly one frame to exactly one Read on the peer,
// truncated to the reader's buffer if it is too small.
//
// Deadlines cover both reads and writes and may be set while a read is
// blocked, which is how context cancellation reaches a pending exchange.
type Conn struct {
	recv <-chan []byte
	send chan<- []byte

	done     chan struct{}
	onceDone *sync.Once

	mu       sync.Mutex
	deadline time.Time
	dlNotify chan struct{}
}

// Pair returns the two ends of a connected in-memory frame connection.
func Pair() (*Conn, *Conn) {
	aToB := make(chan []byte, connBuffer)
	bToA := make(chan []byte, connBuffer)

	done := make(chan struct{})
	once := new(sync.Once)

	a := &Conn{
		recv:     bToA,
		send:     aToB,
		done:     done,
		onceDone: once,
		dlNotify: make(chan struct{}),
	}
	b := &Conn{
		recv:     aToB,
		send:     bToA,
		done:     done,
		onceDone: once,
		dlNotify: make(chan struct{}),
	}

	return a, b
}

// Read blocks until a frame arrives, the connection closes, or the deadline
// fires. The frame is copied into p and trimmed to len(p).
func (c *Conn) Read(p []byte) (int, error) {
	for {
		timerC, stop, err := c.armDeadline()
		if err != nil {
			return 0, err
		}

		select {
		case frame := <-c.recv:
			stop()
			return copy(p, frame), nil

		case <-c.done:
			stop()
			return 0, io.EOF

		case <-timerC:
			return 0, os.ErrDeadlineExceeded

		case <-c.notifyChan():
			// Deadline changed while blocked, re-arm.
			stop()
		}
	}
}

// Write queues one frame for the peer, blocking only when the buffer is
// full.
func (c *Conn) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)

	// A closed connection refuses writes even while buffer space
	// remains.
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe
	default:
	}

	for {
		timerC, stop, err := c.armDeadline()
		if err != nil {
			return 0, err
		}

		select {
		case c.send <- frame:
			stop()
			return len(p), nil

		case <-c.done:
			stop()
			return 0, io.ErrClosedPipe

		case <-timerC:
			return 0, os.ErrDeadlineExceeded

		case <-c.notifyChan():
			stop()
		}
	}
}

// Close terminates both ends of the connection. Blocked reads return io.EOF
// and blocked writes return io.ErrClosedPipe.
func (c *Conn) Close() error {
	c.onceDone.Do(func() {
		close(c.done)
	})

	return nil
}

// SetDeadline sets the read and write deadline, waking any blocked read or
// write so it can observe the new value. A zero time clears the deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	notify := c.dlNotify
	c.dlNotify = make(chan struct{})
	c.mu.Unlock()

	close(notify)

	return nil
}

// armDeadline snapshots the current deadline and returns a timer channel for
// it, a stop function, and an immediate error if the deadline has already
// passed. The timer channel is nil when no deadline is set.
func (c *Conn) armDeadline() (<-chan time.Time, func(), error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if deadline.IsZero() {
		return nil, func() {}, nil
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		return nil, func() {}, os.ErrDeadlineExceeded
	}

	timer := time.NewTimer(wait)

	return timer.C, func() { timer.Stop() }, nil
}

// notifyChan returns the channel closed by the next SetDeadline call.
func (c *Conn) notifyChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dlNotify
}
