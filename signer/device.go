// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SignRequest describes one transaction input the device is asked to sign.
type SignRequest struct {
	// OutPoint is the coin being spent.
	OutPoint wire.OutPoint

	// PrevOut is the output being spent, carrying the value and script
	// the device needs for the signature hash. It may be nil when the
	// packet carried neither a witness nor a non-witness UTXO.
	PrevOut *wire.TxOut

	// NonWitnessTx is the full previous transaction. It is required for
	// legacy signature hashing; for segwit-only coins it may be nil.
	NonWitnessTx *wire.MsgTx

	// Path is the verified derivation path for the signing key.
	Path []uint32

	// PubKey is the public key the produced signature must verify under.
	// It has been checked against the account key before the request is
	// built.
	PubKey *btcec.PublicKey
}

// DeviceDriver is the command protocol of a hardware signing device. The
// driver owns the device round trip; implementations are expected to funnel
// all traffic through a single exclusive frame channel.
type DeviceDriver interface {
	// SignTx executes the device's one-shot signing operation for the
	// given request batch. The returned slice is parallel to reqs, one
	// optional DER-encoded signature per request; a request the device
	// declined to sign yields a None entry. A nil slice with a nil error
	// means the device refused the transaction outright.
	SignTx(ctx context.Context, reqs []*SignRequest,
		unsignedTx *wire.MsgTx,
		changePath []uint32) ([]fn.Option[[]byte], error)

	// DerivePublicKey returns the serialized public key and BIP32 chain
	// code at the given path on the device.
	DerivePublicKey(ctx context.Context, path []uint32) ([]byte,
		[32]byte, error)

	// Ping reports whether the device endpoint is responsive.
	Ping(ctx context.Context) bool
}
