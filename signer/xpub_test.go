// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// deviceTree simulates the device side of xpub export: a private key tree
// the test derives from so the driver can answer DerivePublicKey with real
// key material.
type deviceTree struct {
	t      *testing.T
	master *hdkeychain.ExtendedKey
}

func newDeviceTree(t *testing.T) *deviceTree {
	t.Helper()

	master, err := hdkeychain.NewMaster(testSeed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return &deviceTree{t: t, master: master}
}

// at returns the serialized public key and chain code at the given path.
func (d *deviceTree) at(path []uint32) ([]byte, [32]byte, error) {
	key := d.master
	for _, index := range path {
		var err error
		key, err = key.Derive(index)
		require.NoError(d.t, err)
	}

	pub, err := key.ECPubKey()
	require.NoError(d.t, err)

	var chainCode [32]byte
	copy(chainCode[:], key.ChainCode())

	return pub.SerializeCompressed(), chainCode, nil
}

// TestExtendedPublicKeyExport verifies the assembled BIP32 serialization:
// depth, child index, parent fingerprint and key material.
func TestExtendedPublicKeyExport(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t)
	tree := newDeviceTree(t)
	driver := &mockDriver{deriveFn: tree.at}
	ds := newTestSigner(t, account, driver, &chaincfg.MainNetParams)

	path := account.accountPath
	xpub, err := ds.ExtendedPublicKey(context.Background(), path, true)
	require.NoError(t, err)

	key, err := hdkeychain.NewKeyFromString(xpub)
	require.NoError(t, err)
	require.False(t, key.IsPrivate())
	require.EqualValues(t, len(path), key.Depth())
	require.Equal(t, path[len(path)-1], key.ChildIndex())

	// The exported public key must match the device's key at that path.
	wantPub, _, err := tree.at(path)
	require.NoError(t, err)
	gotPub, err := key.ECPubKey()
	require.NoError(t, err)
	require.Equal(t, wantPub, gotPub.SerializeCompressed())

	// The parent fingerprint is computed from a separate parent-path
	// derivation.
	parentPub, _, err := tree.at(path[:len(path)-1])
	require.NoError(t, err)
	wantFP := btcutil.Hash160(parentPub)[:4]
	require.EqualValues(t,
		uint32(wantFP[0])<<24|uint32(wantFP[1])<<16|
			uint32(wantFP[2])<<8|uint32(wantFP[3]),
		key.ParentFingerprint(),
	)
}

// TestExtendedPublicKeyNoParentFingerprint verifies that without the
// parent-fingerprint option the field stays zero and no second device query
// happens.
func TestExtendedPublicKeyNoParentFingerprint(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t)
	tree := newDeviceTree(t)

	var deriveCalls int
	driver := &mockDriver{
		deriveFn: func(path []uint32) ([]byte, [32]byte, error) {
			deriveCalls++
			return tree.at(path)
		},
	}
	ds := newTestSigner(t, account, driver, &chaincfg.MainNetParams)

	xpub, err := ds.ExtendedPublicKey(
		context.Background(), account.accountPath, false,
	)
	require.NoError(t, err)
	require.Equal(t, 1, deriveCalls)

	key, err := hdkeychain.NewKeyFromString(xpub)
	require.NoError(t, err)
	require.Zero(t, key.ParentFingerprint())
}

// TestExtendedPublicKeyEmptyPath verifies depth-0 export: child index zero,
// zero parent fingerprint, single device query.
func TestExtendedPublicKeyEmptyPath(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t)
	tree := newDeviceTree(t)
	driver := &mockDriver{deriveFn: tree.at}
	ds := newTestSigner(t, account, driver, &chaincfg.MainNetParams)

	xpub, err := ds.ExtendedPublicKey(context.Background(), nil, true)
	require.NoError(t, err)

	key, err := hdkeychain.NewKeyFromString(xpub)
	require.NoError(t, err)
	require.Zero(t, key.Depth())
	require.Zero(t, key.ChildIndex())
	require.Zero(t, key.ParentFingerprint())
}

// TestExtendedPublicKeyUnsupportedApp verifies the network-dependent
// handling of invalid device keys: fatal on mainnet, tolerated on a test
// network.
func TestExtendedPublicKeyUnsupportedApp(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t)

	// The device answers with bytes that do not parse as a public key,
	// as a network-agnostic firmware app might.
	badDriver := &mockDriver{
		deriveFn: func(_ []uint32) ([]byte, [32]byte, error) {
			var chainCode [32]byte
			return make([]byte, 33), chainCode, nil
		},
	}

	ds := newTestSigner(t, account, badDriver, &chaincfg.MainNetParams)
	_, err := ds.ExtendedPublicKey(
		context.Background(), account.accountPath, false,
	)
	require.ErrorIs(t, err, ErrUnsupportedApp)
	require.Contains(t, err.Error(), chaincfg.MainNetParams.Name)

	// The same failure on testnet yields a serialized key anyway.
	ds = newTestSigner(t, account, badDriver, &chaincfg.TestNet3Params)
	xpub, err := ds.ExtendedPublicKey(
		context.Background(), account.accountPath, false,
	)
	require.NoError(t, err)
	require.NotEmpty(t, xpub)
}

// TestExtendedPublicKeyDeviceError verifies that device failures propagate.
func TestExtendedPublicKeyDeviceError(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t)
	driver := &mockDriver{
		deriveFn: func(_ []uint32) ([]byte, [32]byte, error) {
			var chainCode [32]byte
			return nil, chainCode, errDeviceBroken
		},
	}
	ds := newTestSigner(t, account, driver, &chaincfg.MainNetParams)

	_, err := ds.ExtendedPublicKey(
		context.Background(), account.accountPath, true,
	)
	require.ErrorIs(t, err, errDeviceBroken)
}
