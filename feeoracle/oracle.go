// Package feeoracle defines the interface the nursery consumes to price
// swaps and to bound its zero-conf risk exposure. The internals of fee-rate
// estimation and exchange-rate quoting are explicitly out of scope; this
// package only fixes the boundary.
package feeoracle

import "github.com/btcsuite/btcd/btcutil"

// Pair identifies a currency pair a swap is quoted in, e.g. "BTC/BTC" for a
// same-asset submarine or reverse swap.
type Pair string

// Quote is a priced offer for a swap of a given pair.
type Quote struct {
	// BaseFee is the flat component of the service fee, in satoshis.
	BaseFee btcutil.Amount

	// PercentageFee is the proportional component, expressed in the same
	// fixed-point units as swap.FeeRateTotalParts.
	PercentageFee int64

	// Rate is the exchange rate applied between the invoice amount and
	// the on-chain amount for this pair.
	Rate float64

	// MinerFeeRate is the chain fee rate to assume for the swap's claim
	// or refund transaction, in sat/kw.
	MinerFeeRate btcutil.Amount

	// RiskCap bounds the on-chain amount the nursery will accept under
	// zero-conf for this pair without waiting for a confirmation.
	RiskCap btcutil.Amount
}

// RateOracle answers pricing questions independent of any single swap.
type RateOracle interface {
	// GetQuote returns the current pricing terms for pair.
	GetQuote(pair Pair) (*Quote, error)

	// ChainFeeRate returns the current fee rate estimate for a
	// transaction to confirm within confTarget blocks, in sat/kw. It
	// must never return a value below the protocol-wide minimum fee
	// rate.
	ChainFeeRate(confTarget int32) (btcutil.Amount, error)
}

// FeeRateOracle is the subset of RateOracle the Swap Nursery depends on
// directly when building and re-signing claim/refund transactions.
type FeeRateOracle interface {
	// ChainFeeRate returns the current fee rate estimate for a
	// transaction to confirm within confTarget blocks, in sat/kw.
	ChainFeeRate(confTarget int32) (btcutil.Amount, error)

	// RiskCap returns the maximum on-chain amount the nursery may accept
	// under a zero-conf acceptance policy for pair.
	RiskCap(pair Pair) (btcutil.Amount, error)
}
