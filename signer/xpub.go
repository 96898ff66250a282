// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// ExtendedPublicKey exports the BIP32-serialized extended public key at the
// given account path on the device.
//
// The exported key is validated by round-tripping it to an address under the
// configured network. On mainnet a validation failure is fatal and reported
// as ErrUnsupportedApp, since it means the device's active application does
// not produce keys for this network. On test networks the failure is
// tolerated: some firmware apps are network agnostic and legitimately fail
// address checks that assume mainnet encoding. The swallowed failure is
// logged so broken derivation does not go entirely dark.
//
// When includeParentFingerprint is set and the path is non-empty, the public
// key at the parent path is derived separately, solely to compute the parent
// fingerprint the serialization format calls for. This is a fresh device
// query each time rather than a cached value, so a changed account key can
// never serve a stale fingerprint.
func (d *DeviceSigner) ExtendedPublicKey(ctx context.Context, path []uint32,
	includeParentFingerprint bool) (string, error) {

	if len(path) > math.MaxUint8 {
		return "", ErrPathTooDeep
	}

	pubKey, chainCode, err := d.cfg.Device.DerivePublicKey(ctx, path)
	if err != nil {
		return "", err
	}

	parentFP := make([]byte, 4)
	if includeParentFingerprint && len(path) > 0 {
		parentKey, _, err := d.cfg.Device.DerivePublicKey(
			ctx, path[:len(path)-1],
		)
		if err != nil {
			return "", err
		}

		copy(parentFP, btcutil.Hash160(parentKey)[:4])
	}

	var childIndex uint32
	if len(path) > 0 {
		childIndex = path[len(path)-1]
	}

	key := hdkeychain.NewExtendedKey(
		d.cfg.ChainParams.HDPublicKeyID[:], pubKey, chainCode[:],
		parentFP, uint8(len(path)), childIndex, false,
	)

	if err := validateExportedKey(key, d.cfg.ChainParams); err != nil {
		if d.cfg.ChainParams.Net == wire.MainNet {
			return "", fmt.Errorf("%w: %s: %v", ErrUnsupportedApp,
				d.cfg.ChainParams.Name, err)
		}

		log.Warnf("Address validation failed on %s, exporting "+
			"anyway: %v", d.cfg.ChainParams.Name, err)
	}

	return key.String(), nil
}

// validateExportedKey checks that the device-provided key parses and can
// produce a well-formed address on the given network.
func validateExportedKey(key *hdkeychain.ExtendedKey,
	params *chaincfg.Params) error {

	if _, err := key.ECPubKey(); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	if _, err := key.Address(params); err != nil {
		return fmt.Errorf("cannot derive address: %w", err)
	}

	return nil
}
