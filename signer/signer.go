// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer resolves which keys of a partially signed transaction
// belong to a hardware-held account and drives the device to produce the
// matching signatures. The process running this package only ever holds
// public key material; private keys never leave the device.
package signer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config bundles the collaborators and immutable key data of a DeviceSigner.
type Config struct {
	// Device is the command protocol driver for the hardware device.
	Device DeviceDriver

	// AccountKey is the extended public key of the signing account, at
	// its fixed derivation depth. It is the only key material this
	// process trusts.
	AccountKey *hdkeychain.ExtendedKey

	// RootFingerprint optionally identifies the master key the account
	// descends from, as obtained out-of-band from a prior device query.
	// It uses the same little-endian uint32 encoding as the psbt
	// package.
	RootFingerprint fn.Option[uint32]

	// ChainParams selects the target network, used for address
	// validation during extended key export.
	ChainParams *chaincfg.Params
}

// validate returns an error if the config is unusable.
func (cfg *Config) validate() error {
	switch {
	case cfg == nil:
		return ErrNilConfig

	case cfg.Device == nil:
		return ErrNoDevice

	case cfg.AccountKey == nil:
		return ErrNoAccountKey

	case cfg.AccountKey.IsPrivate():
		return ErrPrivateAccountKey

	case cfg.ChainParams == nil:
		return ErrNoChainParams
	}

	return nil
}

// DeviceSigner turns a partially signed transaction into device signing
// requests, executes them and merges the results. One signer owns its device
// channel exclusively; sharing a channel between signers is only safe
// because the channel itself serializes exchanges.
type DeviceSigner struct {
	cfg *Config
}

// New returns a DeviceSigner for the given config.
func New(cfg *Config) (*DeviceSigner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &DeviceSigner{cfg: cfg}, nil
}

// Ping reports whether the device is responsive.
func (d *DeviceSigner) Ping(ctx context.Context) bool {
	return d.cfg.Device.Ping(ctx)
}

// SignPsbt asks the device to sign every input of the packet that verifiably
// belongs to the account key and returns a new packet with the produced
// partial signatures merged in. The caller's packet is never mutated, on any
// path.
//
// Inputs that do not resolve to the account key are skipped, not failed:
// mixed-ownership transactions are expected in multisig co-signing, and a
// partially signed result is a valid outcome. The optional changeScript
// marks which output script is the caller's change, letting the device
// confirm that output silently instead of subjecting it to full user review.
func (d *DeviceSigner) SignPsbt(ctx context.Context, packet *psbt.Packet,
	changeScript fn.Option[[]byte]) (*psbt.Packet, error) {

	if packet == nil || packet.UnsignedTx == nil {
		return nil, ErrNilPacket
	}

	known, err := d.knownFingerprints()
	if err != nil {
		return nil, err
	}

	changePath := d.findChangePath(known, packet, changeScript)
	changePath.WhenSome(func(path []uint32) {
		log.Debugf("Presenting change path %v to device", path)
	})

	reqs, err := d.buildSignRequests(known, packet)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNothingToSign
	}

	log.Debugf("Requesting %d of %d input signatures from device",
		len(reqs), len(packet.UnsignedTx.TxIn))
	log.Tracef("Request batch: %v", newLogClosure(func() string {
		return spew.Sdump(reqs)
	}))

	sigs, err := d.cfg.Device.SignTx(
		ctx, reqs, packet.UnsignedTx, changePath.UnwrapOr(nil),
	)
	if err != nil {
		return nil, err
	}
	if sigs == nil {
		return nil, ErrSigningRefused
	}
	if len(sigs) != len(reqs) {
		return nil, fmt.Errorf("%w: got %d signatures for %d "+
			"requests", ErrResponseMismatch, len(sigs), len(reqs))
	}

	// Merge into a clone so the caller's packet stays untouched even on
	// later failures.
	signed, err := clonePacket(packet)
	if err != nil {
		return nil, err
	}

	for i, req := range reqs {
		sig := sigs[i].UnwrapOr(nil)
		if sig == nil {
			continue
		}

		idx := findInputIndex(signed, req.OutPoint)
		if idx < 0 {
			// The coin vanished from the clone. This should not
			// happen for a packet we just cloned, but a missing
			// coin only costs us one partial signature.
			log.Warnf("No input spends %v, dropping its "+
				"signature", req.OutPoint)
			continue
		}

		attachSignature(&signed.Inputs[idx], req, sig)
	}

	return signed, nil
}

// findChangePath selects the derivation path presented to the device as the
// transaction's change output. Among the outputs matching the change script
// hint (or all outputs when no hint is given), the first one that resolves
// to the account key wins. No resolving output simply means no designated
// change path.
func (d *DeviceSigner) findChangePath(known fn.Set[uint32],
	packet *psbt.Packet,
	changeScript fn.Option[[]byte]) fn.Option[[]uint32] {

	for i := range packet.Outputs {
		if i >= len(packet.UnsignedTx.TxOut) {
			break
		}
		txOut := packet.UnsignedTx.TxOut[i]

		script := changeScript.UnwrapOr(nil)
		if script != nil && !bytes.Equal(txOut.PkScript, script) {
			continue
		}

		resolved := resolveEntry(
			known, d.cfg.AccountKey,
			packet.Outputs[i].Bip32Derivation,
		)
		if resolved.IsSome() {
			key := resolved.UnwrapOr(ResolvedKey{})
			return fn.Some(key.Path)
		}
	}

	return fn.None[[]uint32]()
}

// buildSignRequests assembles one signing request per input that resolves to
// the account key, preserving input order.
func (d *DeviceSigner) buildSignRequests(known fn.Set[uint32],
	packet *psbt.Packet) ([]*SignRequest, error) {

	reqs := make([]*SignRequest, 0, len(packet.Inputs))
	for i := range packet.Inputs {
		if i >= len(packet.UnsignedTx.TxIn) {
			break
		}

		pInput := &packet.Inputs[i]
		txIn := packet.UnsignedTx.TxIn[i]

		resolved := resolveEntry(
			known, d.cfg.AccountKey, pInput.Bip32Derivation,
		)
		if resolved.IsNone() {
			log.Debugf("Input %d does not resolve to the "+
				"account key, skipping", i)
			continue
		}
		key := resolved.UnwrapOr(ResolvedKey{})

		reqs = append(reqs, &SignRequest{
			OutPoint:     txIn.PreviousOutPoint,
			PrevOut:      spentOutput(pInput, txIn),
			NonWitnessTx: pInput.NonWitnessUtxo,
			Path:         key.Path,
			PubKey:       key.PubKey,
		})
	}

	return reqs, nil
}

// spentOutput extracts the output being spent by an input, preferring the
// compact witness UTXO over digging it out of the full previous transaction.
// Nil is returned when the packet carries neither, which a segwit-capable
// device may tolerate.
func spentOutput(pInput *psbt.PInput, txIn *wire.TxIn) *wire.TxOut {
	if pInput.WitnessUtxo != nil {
		return pInput.WitnessUtxo
	}

	prevTx := pInput.NonWitnessUtxo
	if prevTx == nil {
		return nil
	}

	idx := txIn.PreviousOutPoint.Index
	if idx >= uint32(len(prevTx.TxOut)) {
		return nil
	}

	return prevTx.TxOut[idx]
}

// attachSignature records a device signature as a partial signature on the
// input, keyed by the verified public key. A signature for a key that
// already has one is dropped rather than duplicated.
func attachSignature(pInput *psbt.PInput, req *SignRequest, sig []byte) {
	pubKey := req.PubKey.SerializeCompressed()

	for _, partial := range pInput.PartialSigs {
		if bytes.Equal(partial.PubKey, pubKey) {
			return
		}
	}

	hashType := pInput.SighashType
	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	pInput.PartialSigs = append(pInput.PartialSigs, &psbt.PartialSig{
		PubKey:    pubKey,
		Signature: append(sig, byte(hashType)),
	})
}

// clonePacket deep-copies a packet through a serialization round trip, the
// only copy mechanism the psbt package offers.
func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(bytes.NewReader(buf.Bytes()), false)
}

// findInputIndex returns the index of the input spending the given coin, or
// -1 when no input does.
func findInputIndex(packet *psbt.Packet, op wire.OutPoint) int {
	for i, txIn := range packet.UnsignedTx.TxIn {
		if txIn.PreviousOutPoint == op {
			return i
		}
	}

	return -1
}
