// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import "errors"

var (
	// ErrNilConfig is returned when a nil Config is provided.
	ErrNilConfig = errors.New("nil Config")

	// ErrNoDevice is returned when the config has no device driver.
	ErrNoDevice = errors.New("config has no device driver")

	// ErrNoAccountKey is returned when the config has no account extended
	// public key.
	ErrNoAccountKey = errors.New("config has no account key")

	// ErrNoChainParams is returned when the config has no chain
	// parameters.
	ErrNoChainParams = errors.New("config has no chain parameters")

	// ErrPrivateAccountKey is returned when the account key contains
	// private key material. The whole point of delegating to a device is
	// that this process never holds private keys.
	ErrPrivateAccountKey = errors.New("account key must be public")

	// ErrNilPacket is returned when a nil or skeleton-less PSBT packet is
	// provided for signing.
	ErrNilPacket = errors.New("psbt packet cannot be nil")

	// ErrNothingToSign is returned when no input of the packet resolves
	// to the account key, so there is nothing to send to the device.
	ErrNothingToSign = errors.New(
		"no input resolves to the account key",
	)

	// ErrSigningRefused is returned when the device declines the signing
	// operation and produces no signatures at all.
	ErrSigningRefused = errors.New("device refused to sign")

	// ErrResponseMismatch is returned when the device answers a signing
	// batch with the wrong number of signatures.
	ErrResponseMismatch = errors.New(
		"signature count does not match request count",
	)

	// ErrUnsupportedApp is returned when the device's active application
	// produces keys that fail address validation on a production
	// network. On test networks the same failure is tolerated, since
	// some firmware apps are network agnostic.
	ErrUnsupportedApp = errors.New(
		"device app does not support this network",
	)

	// ErrPathTooDeep is returned when a derivation path exceeds the
	// 255-level depth representable in a BIP32 serialization.
	ErrPathTooDeep = errors.New("derivation path exceeds maximum depth")
)
