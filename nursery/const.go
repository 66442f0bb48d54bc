package nursery

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// paymentTimeout bounds how long payInvoiceAction waits for a Lightning
// payment attempt to resolve before giving up.
const paymentTimeout = 60 * time.Second

// defaultConfTarget is the confirmation target claim and refund
// transactions request from the fee oracle.
const defaultConfTarget int32 = 2

// holdInvoiceExpiry bounds how long a reverse swap's hold invoice stays
// payable before the counterparty must request a new one.
const holdInvoiceExpiry = 24 * time.Hour

// staleSwapInterval is how often the watchdog sweep in Manager.Run checks
// active swaps for one that is still pending more than staleSwapThreshold
// after its state machine was constructed, which usually means an action's
// RPC call never returned rather than the swap actually being stuck on-chain.
const staleSwapInterval = 5 * time.Minute

// staleSwapThreshold is how long after its state machine was constructed a
// swap may still be pending before the watchdog logs it.
const staleSwapThreshold = 30 * time.Minute

// rbfFinalSequence is the lowest nSequence value that does not signal
// BIP-125 replaceability.
const rbfFinalSequence = 0xfffffffe

// signalsRBF reports whether any input of tx opts into replace-by-fee,
// which the zero-conf acceptance policy treats as automatically
// disqualifying.
func signalsRBF(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if in.Sequence < rbfFinalSequence {
			return true
		}
	}
	return false
}
