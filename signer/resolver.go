// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ResolvedKey is the verified association between a transaction entry and a
// key path under the account key. It is only ever produced after deriving
// the claimed path from the account key reproduced the claimed public key.
type ResolvedKey struct {
	// Path is the full derivation path from the entry's hint.
	Path []uint32

	// PubKey is the public key derived from the account key along the
	// path's account-relative suffix.
	PubKey *btcec.PublicKey
}

// Fingerprint returns the 4-byte BIP32 fingerprint of pub, encoded as the
// same little-endian uint32 the psbt package uses for
// Bip32Derivation.MasterKeyFingerprint.
func Fingerprint(pub *btcec.PublicKey) uint32 {
	hash := btcutil.Hash160(pub.SerializeCompressed())

	return binary.LittleEndian.Uint32(hash[:4])
}

// knownFingerprints builds the set of fingerprints that may introduce one of
// our own keys: the account key's fingerprint plus the out-of-band root
// fingerprint when the caller supplied one. The set is fixed for the
// duration of one signing call and is never grown from data found in the
// transaction itself, since that would defeat the collision protection.
func (d *DeviceSigner) knownFingerprints() (fn.Set[uint32], error) {
	accountPub, err := d.cfg.AccountKey.ECPubKey()
	if err != nil {
		return nil, err
	}

	known := fn.NewSet(Fingerprint(accountPub))
	d.cfg.RootFingerprint.WhenSome(func(fp uint32) {
		known.Add(fp)
	})

	return known, nil
}

// resolveEntry decides whether a transaction entry belongs to the account
// key and, if so, which path signs it.
//
// The hints attached to a PSBT entry come from whoever assembled the
// transaction and are untrusted. A matching fingerprint is only a cheap
// pre-filter: fingerprints are 32 bits, so two unrelated master keys can
// legitimately share one. The actual trust boundary is the derive-and-
// compare step below; a hint whose claimed public key cannot be reproduced
// from the account key is a collision (or a spoof) and is skipped.
func resolveEntry(known fn.Set[uint32], accountKey *hdkeychain.ExtendedKey,
	hints []*psbt.Bip32Derivation) fn.Option[ResolvedKey] {

	accountDepth := int(accountKey.Depth())

	for _, hint := range hints {
		if hint == nil {
			continue
		}

		if !known.Contains(hint.MasterKeyFingerprint) {
			continue
		}

		// The account-relative suffix is the portion of the path
		// below the account level, typically change/index.
		if len(hint.Bip32Path) < accountDepth {
			continue
		}
		suffix := hint.Bip32Path[accountDepth:]

		derived, err := deriveSuffix(accountKey, suffix)
		if err != nil {
			continue
		}

		pub, err := derived.ECPubKey()
		if err != nil {
			continue
		}

		if !bytes.Equal(pub.SerializeCompressed(), hint.PubKey) {
			// Same 32-bit fingerprint, different key. Not ours.
			log.Debugf("Fingerprint %08x matched but derived key "+
				"differs for path %v, skipping hint",
				hint.MasterKeyFingerprint, hint.Bip32Path)
			continue
		}

		return fn.Some(ResolvedKey{
			Path:   hint.Bip32Path,
			PubKey: pub,
		})
	}

	return fn.None[ResolvedKey]()
}

// deriveSuffix derives the account key along the given suffix. Every suffix
// element must be non-hardened, since hardened derivation is impossible from
// a public key.
func deriveSuffix(key *hdkeychain.ExtendedKey,
	suffix []uint32) (*hdkeychain.ExtendedKey, error) {

	derived := key
	for _, index := range suffix {
		if index >= hdkeychain.HardenedKeyStart {
			return nil, hdkeychain.ErrDeriveHardFromPublic
		}

		var err error
		derived, err = derived.Derive(index)
		if err != nil {
			return nil, err
		}
	}

	return derived, nil
}
