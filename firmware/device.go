// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package firmware speaks the command protocol of the hardware signing
// device: opcode-tagged frames with TLV payloads, chunked to the APDU size
// the device announces at session setup. All traffic goes through a single
// exclusive frame channel, so one device serves one command stream at a
// time.
package firmware

import (
	"context"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hwsigner/devicechannel"
	"github.com/btcsuite/hwsigner/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// minFrameSize is the smallest APDU bound accepted from session
// negotiation. Anything smaller cannot carry a command header plus useful
// payload.
const minFrameSize = 16

// Device drives a hardware signing device over a frame channel. It
// implements signer.DeviceDriver.
type Device struct {
	channel *devicechannel.Channel
}

// A compile-time check to ensure Device implements the DeviceDriver
// interface.
var _ signer.DeviceDriver = (*Device)(nil)

// NewDevice opens a session on the given connection. The initial ping both
// verifies the device is responsive and negotiates the per-session maximum
// APDU size; a device that states no preference keeps the default bound.
func NewDevice(ctx context.Context, conn io.ReadWriter) (*Device, error) {
	dev := &Device{
		channel: devicechannel.New(
			conn, devicechannel.DefaultMaxFrameSize,
		),
	}

	maxFrame, err := dev.hello(ctx)
	if err != nil {
		return nil, fmt.Errorf("session setup: %w", err)
	}

	if maxFrame > 0 {
		size := int(maxFrame)
		if size < minFrameSize {
			size = minFrameSize
		}
		dev.channel = devicechannel.New(conn, size)

		log.Debugf("Device negotiated max APDU size %d", size)
	}

	return dev, nil
}

// hello performs a one-frame ping exchange and returns the max APDU size the
// device announced, zero for no preference.
func (d *Device) hello(ctx context.Context) (uint16, error) {
	resps, err := d.channel.Exchange(ctx, [][]byte{{opPing, 0x00}})
	if err != nil {
		return 0, err
	}

	status, payload, err := finalResponse(resps)
	if err != nil {
		return 0, err
	}
	if status != statusOK {
		return 0, fmt.Errorf("%w: ping answered with %#02x",
			ErrUnexpectedStatus, status)
	}

	return decodePingResponse(payload)
}

// Ping reports whether the device endpoint is responsive.
//
// This is part of the signer.DeviceDriver interface.
func (d *Device) Ping(ctx context.Context) bool {
	_, err := d.hello(ctx)
	if err != nil {
		log.Debugf("Device ping failed: %v", err)
	}

	return err == nil
}

// DerivePublicKey returns the serialized public key and chain code at the
// given path on the device.
//
// This is part of the signer.DeviceDriver interface.
func (d *Device) DerivePublicKey(ctx context.Context, path []uint32) ([]byte,
	[32]byte, error) {

	var chainCode [32]byte

	payload, err := encodeDerive(path)
	if err != nil {
		return nil, chainCode, err
	}

	frames := chunkCommand(opDerive, payload, d.channel.MaxFrameSize())
	resps, err := d.channel.Exchange(ctx, frames)
	if err != nil {
		return nil, chainCode, err
	}

	status, respPayload, err := finalResponse(resps)
	if err != nil {
		return nil, chainCode, err
	}
	if status != statusOK {
		return nil, chainCode, fmt.Errorf("%w: derive answered "+
			"with %#02x", ErrUnexpectedStatus, status)
	}

	return decodeDeriveResponse(respPayload)
}

// SignTx executes the device's one-shot signing operation: one init command
// carrying the unsigned transaction and change path, then one command per
// input request, all sent as a single channel exchange.
//
// A nil result with a nil error means the device refused the transaction;
// per-input refusals come back as None entries. If the device aborts midway,
// any signatures produced before the abort are discarded.
//
// This is part of the signer.DeviceDriver interface.
func (d *Device) SignTx(ctx context.Context, reqs []*signer.SignRequest,
	unsignedTx *wire.MsgTx,
	changePath []uint32) ([]fn.Option[[]byte], error) {

	maxFrame := d.channel.MaxFrameSize()

	initPayload, err := encodeSignInit(unsignedTx, changePath)
	if err != nil {
		return nil, err
	}

	// Build the full outbound batch up front. frameCounts remembers how
	// many frames each command occupies so the responses can be walked
	// command by command.
	var (
		frames      [][]byte
		frameCounts []int
	)
	addCommand := func(opcode byte, payload []byte) {
		cmdFrames := chunkCommand(opcode, payload, maxFrame)
		frames = append(frames, cmdFrames...)
		frameCounts = append(frameCounts, len(cmdFrames))
	}

	addCommand(opSignInit, initPayload)
	for _, req := range reqs {
		payload, err := encodeSignInput(req)
		if err != nil {
			return nil, err
		}
		addCommand(opSignInput, payload)
	}

	resps, err := d.channel.Exchange(ctx, frames)
	if err != nil {
		return nil, err
	}

	// Walk the responses command by command. The init command comes
	// first.
	next := 0
	command := func(count int) [][]byte {
		cmd := resps[next : next+count]
		next += count

		return cmd
	}

	status, _, err := finalResponse(command(frameCounts[0]))
	if err != nil {
		return nil, err
	}
	if status != statusOK {
		// The device looked at the transaction and said no. Not an
		// I/O error: report refusal via the nil result.
		log.Infof("Device refused signing session with status %#02x",
			status)
		return nil, nil
	}

	sigs := make([]fn.Option[[]byte], 0, len(reqs))
	for i := range reqs {
		status, payload, err := finalResponse(
			command(frameCounts[i+1]),
		)
		if err != nil {
			return nil, err
		}

		switch status {
		case statusOK:
			sig, err := decodeSignatureResponse(payload)
			if err != nil {
				return nil, err
			}

			// Insist on a parseable DER signature before handing
			// it to the wallet layer.
			if _, err := ecdsa.ParseDERSignature(sig); err != nil {
				return nil, fmt.Errorf("input %d: invalid "+
					"signature from device: %w", i, err)
			}

			sigs = append(sigs, fn.Some(sig))

		case statusSkipped:
			sigs = append(sigs, fn.None[[]byte]())

		default:
			// A device-side abort discards the whole batch.
			log.Infof("Device aborted signing at input %d with "+
				"status %#02x", i, status)
			return nil, nil
		}
	}

	return sigs, nil
}
