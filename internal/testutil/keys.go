// Package testutil provides deterministic fixtures shared by this module's
// test files.
package testutil

import "github.com/btcsuite/btcd/btcec/v2"

// CreateKey returns a deterministically generated key pair, keyed off index
// so tests can derive distinct sender/receiver/claim keys without touching
// randomness.
func CreateKey(index int32) (*btcec.PrivateKey, *btcec.PublicKey) {
	// Avoid all zeros, because it results in an invalid key.
	privKey, pubKey := btcec.PrivKeyFromBytes([]byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(index + 1),
	})

	return privKey, pubKey
}
