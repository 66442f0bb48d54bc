package chainobserver

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func watchedOutputTx(pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: pkScript})
	return tx
}

func TestFilterSetMatchesWatchedOutput(t *testing.T) {
	f := newFilterSet()

	pkScript := []byte{0x00, 0x14, 0x01, 0x02, 0x03}
	tx := watchedOutputTx(pkScript)

	require.False(t, f.matchTx(tx), "unwatched output must not match")

	f.watchOutput(pkScript)
	require.True(t, f.matchTx(tx))

	f.unwatchOutput(pkScript)
	require.False(t, f.matchTx(watchedOutputTx(pkScript)))
}

func TestFilterSetMatchesWatchedInput(t *testing.T) {
	f := newFilterSet()

	outpoint := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 3}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x00}})

	require.False(t, f.matchTx(tx))

	f.watchInput(outpoint)
	require.True(t, f.matchTx(tx))

	f.unwatchInput(outpoint)

	tx2 := wire.NewMsgTx(2)
	tx2.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint})
	tx2.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x00}})
	require.False(t, f.matchTx(tx2))
}

// TestFilterSetUnconfirmedBeforeConfirmed exercises the invariant the
// Observer doc comment states: for a single transaction, the unconfirmed
// event must be delivered strictly before the confirmed one. matchTx marks
// a matched transaction seen, and checkConfirmed reports whether a
// transaction was already matched.
func TestFilterSetUnconfirmedBeforeConfirmed(t *testing.T) {
	f := newFilterSet()

	pkScript := []byte{0x00, 0x14, 0xaa, 0xbb}
	f.watchOutput(pkScript)

	tx := watchedOutputTx(pkScript)
	txid := tx.TxHash()

	require.False(t, f.checkConfirmed(txid),
		"a transaction must not be reported confirmed before it is seen")

	require.True(t, f.matchTx(tx))

	require.True(t, f.checkConfirmed(txid),
		"matchTx must mark the transaction seen so the confirmed event can follow")

	// A later block replay re-delivering the same transaction must still
	// report it seen rather than forgetting it, since duplicate confirmed
	// events across reorg replays are expected.
	require.True(t, f.matchTx(tx))
	require.True(t, f.checkConfirmed(txid))
}

func TestFilterSetUnrelatedTxDoesNotMatch(t *testing.T) {
	f := newFilterSet()
	f.watchOutput([]byte{0x00, 0x14, 0x01})
	f.watchInput(wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 0})

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x03}}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x00, 0x14, 0x99}})

	require.False(t, f.matchTx(tx))
	require.False(t, f.checkConfirmed(tx.TxHash()))
}

// TestFilterSetConcurrentAccess exercises the filter set's locking under
// concurrent watch/unwatch/matchTx calls from multiple goroutines, the
// same shape of contention a real backend's rescan and live-feed paths
// produce simultaneously.
func TestFilterSetConcurrentAccess(t *testing.T) {
	f := newFilterSet()

	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			pkScript := []byte{byte(i), byte(i >> 8)}
			f.watchOutput(pkScript)

			tx := watchedOutputTx(pkScript)
			f.matchTx(tx)
			f.checkConfirmed(tx.TxHash())

			f.unwatchOutput(pkScript)
		}(i)
	}

	wg.Wait()
}
