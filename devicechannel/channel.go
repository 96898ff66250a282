// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package devicechannel implements the exclusive, ordered frame exchange a
// hardware signing device is driven through.
package devicechannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxFrameSize is the largest outbound frame accepted when the
	// device has not negotiated its own APDU bound during session setup.
	DefaultMaxFrameSize = 90

	// readBufferSize is the fixed size of the inbound read buffer. Inbound
	// frames are trimmed to the length actually received.
	readBufferSize = 255
)

var (
	// ErrFrameTooLarge is returned when an outbound frame exceeds the
	// negotiated maximum APDU size. The check happens before any I/O so a
	// bad batch never reaches the device half-sent.
	ErrFrameTooLarge = errors.New("frame exceeds maximum APDU size")

	// ErrEmptyResponse is returned when the device answers a frame with
	// zero bytes.
	ErrEmptyResponse = errors.New("device returned an empty frame")
)

// deadlineSetter is the subset of net.Conn used to abort a pending read or
// write when the caller's context fires mid-exchange.
type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// Channel moves opaque APDU frames to and from a single signing device. All
// frames of one Exchange call are written strictly in order before the first
// response is awaited, and a capacity-1 semaphore guarantees that two
// concurrent exchanges on the same channel never interleave their frames.
// This mirrors the physical constraint that one device processes one command
// stream at a time.
//
// The channel performs no retries and enforces no timeouts of its own; a hung
// device blocks the exchange until the caller's context is cancelled.
type Channel struct {
	conn io.ReadWriter

	// maxFrameSize is the per-session outbound APDU bound.
	maxFrameSize int

	// sem serializes exchanges. A semaphore is used instead of sync.Mutex
	// so acquisition honors context cancellation.
	sem *semaphore.Weighted
}

// New returns a channel over the given connection. A maxFrameSize of zero or
// less selects DefaultMaxFrameSize.
func New(conn io.ReadWriter, maxFrameSize int) *Channel {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Channel{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		sem:          semaphore.NewWeighted(1),
	}
}

// MaxFrameSize returns the per-session outbound APDU bound.
func (c *Channel) MaxFrameSize() int {
	return c.maxFrameSize
}

// Exchange transmits the outbound frames in order, then reads exactly one
// inbound frame per outbound frame, in order. The whole round trip holds the
// channel's exclusivity guard, which is released on every exit path.
//
// Errors from the underlying connection are passed through unchanged; retry
// policy belongs to the caller.
func (c *Channel) Exchange(ctx context.Context,
	frames [][]byte) ([][]byte, error) {

	// Reject oversized frames before acquiring the guard or touching the
	// connection.
	for i, frame := range frames {
		if len(frame) > c.maxFrameSize {
			return nil, fmt.Errorf("%w: frame %d is %d bytes, "+
				"max %d", ErrFrameTooLarge, i, len(frame),
				c.maxFrameSize)
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	// If the connection supports deadlines, propagate context
	// cancellation into any blocked read or write. The watcher is torn
	// down before the guard is released.
	if dc, ok := c.conn.(deadlineSetter); ok {
		// Clear any deadline left behind by a previously cancelled
		// exchange.
		_ = dc.SetDeadline(time.Time{})

		watchDone := make(chan struct{})
		defer close(watchDone)

		go func() {
			select {
			case <-ctx.Done():
				_ = dc.SetDeadline(time.Now())

			case <-watchDone:
			}
		}()
	}

	// Store-and-forward: the full outbound batch is written before any
	// response is awaited.
	for i, frame := range frames {
		if _, err := c.conn.Write(frame); err != nil {
			return nil, fmt.Errorf("writing frame %d of %d: %w",
				i, len(frames), err)
		}
	}

	log.Tracef("Sent %d frames, awaiting responses", len(frames))

	responses := make([][]byte, 0, len(frames))
	buf := make([]byte, readBufferSize)
	for i := range frames {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading frame %d of %d: %w",
				i, len(frames), err)
		}
		if n == 0 {
			return nil, ErrEmptyResponse
		}

		resp := make([]byte, n)
		copy(resp, buf[:n])
		responses = append(responses, resp)
	}

	log.Tracef("Received %d frames", len(responses))

	return responses, nil
}
