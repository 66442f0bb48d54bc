package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/swaperrors"
	"github.com/btcswap/nursery/utils"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// MinFeeRate is the fee rate floor enforced on every claim and refund
// transaction, regardless of what the fee oracle reports.
const MinFeeRate = chainfeeSatPerKWeightFloor

// chainfeeSatPerKWeightFloor is 2 sat/vB expressed as sat/kw, matching the
// unit chainfee.SatPerKWeight uses elsewhere in this repo.
const chainfeeSatPerKWeightFloor = 2 * 1000 / 4

// refundSequence and claimSequence set nSequence on the single htlc input.
// refundSequence keeps CLTV enforceable (below 0xffffffff, so not final); claimSequence
// signals finality since the preimage path has no relative timelock.
const (
	refundSequence uint32 = 0xfffffffe
	claimSequence  uint32 = 0xffffffff
)

// SweepRequest describes a claim or refund spend of a single htlc output.
type SweepRequest struct {
	// Htlc is the script being spent.
	Htlc *Htlc

	// SwapHash identifies the swap this sweep belongs to, for logging.
	SwapHash lntypes.Hash

	// LockupOutpoint is the htlc output being spent.
	LockupOutpoint wire.OutPoint

	// LockupValue is the value locked in the htlc output.
	LockupValue btcutil.Amount

	// DestPkScript is the wallet-owned output script the swept funds are
	// paid to.
	DestPkScript []byte

	// FeeRate is the chain fee rate to apply, in sat/kw. It is clamped to
	// MinFeeRate.
	FeeRate btcutil.Amount

	// TimeoutHeight is the CLTV height encoded in the htlc script. It is
	// only used to set nLockTime on a refund.
	TimeoutHeight int32
}

// EstimateSweepFee returns the fee a claim or refund spend of htlc will pay
// at feeRate, given the sweep is claim (preimage path) or not (timeout
// path).
func EstimateSweepFee(htlc *Htlc, feeRate btcutil.Amount, claim bool) (
	btcutil.Amount, error) {

	fee, _, err := estimateSweepFee(htlc, feeRate, claim)
	return fee, err
}

// estimateSweepFee is EstimateSweepFee's implementation, additionally
// returning the transaction weight so callers can feed it into
// utils.ClampSweepFee's minimum-relay-fee-rate check.
func estimateSweepFee(htlc *Htlc, feeRate btcutil.Amount, claim bool) (
	btcutil.Amount, lntypes.WeightUnit, error) {

	if feeRate < MinFeeRate {
		feeRate = MinFeeRate
	}

	estimator := input.TxWeightEstimator{}
	estimator.AddP2WKHOutput()

	if claim {
		htlc.AddSuccessToEstimator(&estimator)
	} else {
		htlc.AddTimeoutToEstimator(&estimator)
	}

	weight := estimator.Weight()

	fee := feeRate * btcutil.Amount(weight) / 1000

	return fee, lntypes.WeightUnit(weight), nil
}

// BuildClaimTransaction assembles and signs a transaction that spends req's
// htlc output via the preimage path, paying the swept value to
// req.DestPkScript.
func BuildClaimTransaction(req *SweepRequest, preimage lntypes.Preimage,
	signer func(tx *wire.MsgTx) ([]byte, error)) (*wire.MsgTx, error) {

	return buildSweepTransaction(req, true, func(tx *wire.MsgTx) (
		wire.TxWitness, []byte, error) {

		receiverSig, err := signer(tx)
		if err != nil {
			return nil, nil, err
		}

		witness, err := req.Htlc.GenSuccessWitness(receiverSig, preimage)
		if err != nil {
			return nil, nil, err
		}

		return witness, req.Htlc.SigScript, nil
	})
}

// BuildRefundTransaction assembles and signs a transaction that spends req's
// htlc output via the timeout path, paying the swept value to
// req.DestPkScript.
func BuildRefundTransaction(req *SweepRequest,
	signer func(tx *wire.MsgTx) ([]byte, error)) (*wire.MsgTx, error) {

	return buildSweepTransaction(req, false, func(tx *wire.MsgTx) (
		wire.TxWitness, []byte, error) {

		senderSig, err := signer(tx)
		if err != nil {
			return nil, nil, err
		}

		witness, err := req.Htlc.GenTimeoutWitness(senderSig)
		if err != nil {
			return nil, nil, err
		}

		return witness, req.Htlc.SigScript, nil
	})
}

// buildSweepTransaction contains the shared assembly logic for claim and
// refund transactions: one input spending the lockup outpoint, one output to
// the destination script, nLockTime/nSequence per spend path, and a fee
// deducted from the lockup value.
//
// witnessFn is called once the unsigned skeleton (with the final output
// value already set) is in place, so the signature it produces commits to
// the correct amount.
func buildSweepTransaction(req *SweepRequest, claim bool,
	witnessFn func(tx *wire.MsgTx) (wire.TxWitness, []byte, error)) (
	*wire.MsgTx, error) {

	if req.Htlc == nil || req.Htlc.HtlcScript == nil {
		return nil, swaperrors.ErrScriptTypeNotFound
	}

	fee, weight, err := estimateSweepFee(req.Htlc, req.FeeRate, claim)
	if err != nil {
		return nil, err
	}

	fee, clamped, err := utils.ClampSweepFee(
		fee, req.LockupValue, utils.MaxFeeToAmountRatio,
		chainfee.AbsoluteFeePerKwFloor, weight,
	)
	if err != nil {
		return nil, fmt.Errorf("clamping sweep fee for swap %v: %w",
			req.SwapHash, err)
	}
	if clamped {
		log.Infof("swap %v: sweep fee clamped to %v of lockup value %v",
			req.SwapHash, utils.MaxFeeToAmountRatio, req.LockupValue)
	}

	if req.LockupValue <= fee {
		return nil, fmt.Errorf("%w: lockup value %v does not cover fee %v",
			swaperrors.ErrInsufficientAmount, req.LockupValue, fee)
	}

	sweepValue := req.LockupValue - fee

	dustLimit := utils.DustLimitForPkScript(req.DestPkScript)
	if DustLimitExceedsValue(sweepValue, dustLimit) {
		return nil, fmt.Errorf("%w: swept value %v is below the dust "+
			"limit %v for swap %v", swaperrors.ErrInsufficientAmount,
			sweepValue, dustLimit, req.SwapHash)
	}

	tx := wire.NewMsgTx(2)

	sequence := claimSequence
	lockTime := uint32(0)
	if !claim {
		sequence = refundSequence
		lockTime = uint32(req.TimeoutHeight)
	}
	tx.LockTime = lockTime

	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: req.LockupOutpoint,
		Sequence:         sequence,
	})

	tx.AddTxOut(&wire.TxOut{
		Value:    int64(sweepValue),
		PkScript: req.DestPkScript,
	})

	witness, sigScript, err := witnessFn(tx)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = witness
	tx.TxIn[0].SignatureScript = sigScript

	return tx, nil
}

// PrevOutputFetcher builds a txscript.PrevOutputFetcher for the single htlc
// input being spent, needed to compute BIP-143/BIP-341 sighashes.
func PrevOutputFetcher(outpoint wire.OutPoint, pkScript []byte,
	value btcutil.Amount) *txscript.MultiPrevOutFetcher {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(outpoint, &wire.TxOut{
		Value:    int64(value),
		PkScript: pkScript,
	})

	return fetcher
}

// DustLimitExceedsValue reports whether value is below dustLimit, the
// minimum non-dust output, which implies the sweep should wait for the
// lockup value to grow (batched) or be abandoned.
func DustLimitExceedsValue(value btcutil.Amount, dustLimit btcutil.Amount) bool {
	return value < dustLimit
}

// ChainParamsOrDefault returns params, or the main network's parameters if
// params is nil. It exists so callers building QuoteHtlc-style estimation
// scripts don't need to special-case a missing network.
func ChainParamsOrDefault(params *chaincfg.Params) *chaincfg.Params {
	if params == nil {
		return &chaincfg.MainNetParams
	}

	return params
}
