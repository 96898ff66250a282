// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// testSeed is a fixed seed so every test derives the same key tree.
var testSeed = []byte{
	0x2a, 0x64, 0xdf, 0x08, 0x5e, 0xef, 0xed, 0xd8,
	0xbf, 0xdb, 0xb3, 0x31, 0x76, 0xb5, 0xba, 0x2e,
	0x62, 0xe8, 0xbe, 0x8b, 0x56, 0xc8, 0x83, 0x77,
	0x95, 0x90, 0xb3, 0xfd, 0x9c, 0xf9, 0xb0, 0xff,
}

// hardened shifts an index into the hardened range.
func hardened(index uint32) uint32 {
	return index + hdkeychain.HardenedKeyStart
}

// testAccount is a deterministic key tree for resolver and signer tests: a
// BIP84-style account at m/84'/0'/0' along with the fingerprints a PSBT
// builder would reference.
type testAccount struct {
	// accountKey is the neutered account-level key.
	accountKey *hdkeychain.ExtendedKey

	// rootFP is the master key fingerprint in psbt encoding.
	rootFP uint32

	// accountPath is the hardened prefix of every full derivation path.
	accountPath []uint32
}

// newTestAccount derives the test account from the fixed seed.
func newTestAccount(t *testing.T) *testAccount {
	t.Helper()

	master, err := hdkeychain.NewMaster(testSeed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	masterPub, err := master.Neuter()
	require.NoError(t, err)
	masterECPub, err := masterPub.ECPubKey()
	require.NoError(t, err)

	accountPath := []uint32{hardened(84), hardened(0), hardened(0)}

	account := master
	for _, index := range accountPath {
		account, err = account.Derive(index)
		require.NoError(t, err)
	}

	accountKey, err := account.Neuter()
	require.NoError(t, err)

	return &testAccount{
		accountKey:  accountKey,
		rootFP:      Fingerprint(masterECPub),
		accountPath: accountPath,
	}
}

// fullPath returns the complete derivation path for a change/index pair.
func (a *testAccount) fullPath(branch, index uint32) []uint32 {
	path := make([]uint32, 0, len(a.accountPath)+2)
	path = append(path, a.accountPath...)

	return append(path, branch, index)
}

// childPubKey derives the serialized public key at the given change/index
// pair below the account key.
func (a *testAccount) childPubKey(t *testing.T, branch,
	index uint32) []byte {

	t.Helper()

	key, err := a.accountKey.Derive(branch)
	require.NoError(t, err)
	key, err = key.Derive(index)
	require.NoError(t, err)

	pub, err := key.ECPubKey()
	require.NoError(t, err)

	return pub.SerializeCompressed()
}

// hint builds the untrusted derivation hint a transaction builder would
// attach for the given change/index pair.
func (a *testAccount) hint(t *testing.T, branch,
	index uint32) *psbt.Bip32Derivation {

	t.Helper()

	return &psbt.Bip32Derivation{
		PubKey:               a.childPubKey(t, branch, index),
		MasterKeyFingerprint: a.rootFP,
		Bip32Path:            a.fullPath(branch, index),
	}
}

// newTestSigner wires a DeviceSigner around the mock driver.
func newTestSigner(t *testing.T, account *testAccount, driver DeviceDriver,
	params *chaincfg.Params) *DeviceSigner {

	t.Helper()

	ds, err := New(&Config{
		Device:          driver,
		AccountKey:      account.accountKey,
		RootFingerprint: fn.Some(account.rootFP),
		ChainParams:     params,
	})
	require.NoError(t, err)

	return ds
}

// testOutPoint returns a distinct outpoint for the given tag.
func testOutPoint(tag byte) wire.OutPoint {
	var hash chainhash.Hash
	hash[0] = tag
	hash[31] = 0x77

	return wire.OutPoint{Hash: hash, Index: uint32(tag)}
}

// newTestPacket builds a PSBT spending the given outpoints to a single
// opaque output, with empty per-input metadata ready to be decorated by the
// individual tests.
func newTestPacket(t *testing.T, outPoints ...wire.OutPoint) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	for _, op := range outPoints {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(90_000, payScript()))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	return packet
}

// payScript is an arbitrary P2WPKH-shaped output script that does not belong
// to the test account.
func payScript() []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	for i := 2; i < len(script); i++ {
		script[i] = byte(i)
	}

	return script
}

// mockDriver is a scriptable DeviceDriver for orchestrator tests.
type mockDriver struct {
	// signFn handles SignTx calls. When nil, the driver refuses.
	signFn func(reqs []*SignRequest, unsignedTx *wire.MsgTx,
		changePath []uint32) ([]fn.Option[[]byte], error)

	// deriveFn handles DerivePublicKey calls.
	deriveFn func(path []uint32) ([]byte, [32]byte, error)

	// gotRequests and gotChangePath record the last SignTx call.
	gotRequests   []*SignRequest
	gotChangePath []uint32
	signCalls     int

	pingOK bool
}

func (m *mockDriver) SignTx(_ context.Context, reqs []*SignRequest,
	unsignedTx *wire.MsgTx,
	changePath []uint32) ([]fn.Option[[]byte], error) {

	m.signCalls++
	m.gotRequests = reqs
	m.gotChangePath = changePath

	if m.signFn == nil {
		return nil, nil
	}

	return m.signFn(reqs, unsignedTx, changePath)
}

func (m *mockDriver) DerivePublicKey(_ context.Context,
	path []uint32) ([]byte, [32]byte, error) {

	return m.deriveFn(path)
}

func (m *mockDriver) Ping(_ context.Context) bool {
	return m.pingOK
}
