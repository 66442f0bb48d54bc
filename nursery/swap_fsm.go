package nursery

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/chainobserver"
	"github.com/btcswap/nursery/feeoracle"
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/lightning"
	"github.com/btcswap/nursery/notifications"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/lightningnetwork/lnd/keychain"
)

// maxRoutingFeePPM bounds the routing fee budget payInvoiceAction offers
// lnd, as parts per million of the invoice amount.
const maxRoutingFeePPM = 30_000

// swapFSM drives a single submarine swap from creation to claim, refund,
// or expiry.
type swapFSM struct {
	*fsm.GenericFSM[store.Swap]

	mgr  *Manager
	ctx  context.Context
	htlc *swap.Htlc

	// createdAt is when this state machine was constructed, used by the
	// manager's stale-swap watchdog. It is reset on recovery, not
	// inherited from the swap's original creation time.
	createdAt time.Time
}

// newSwapFSM builds a swapFSM for a swap loaded from the repository, whose
// htlc must be reconstructed from its persisted fields before any
// claim/refund action can sign against it.
func newSwapFSM(mgr *Manager, s *store.Swap) *swapFSM {
	keyDesc, err := mgr.cfg.Wallet.DeriveKey(mgr.ctx(), &keychain.KeyLocator{
		Family: keychain.KeyFamily(swap.KeyFamily),
		Index:  s.KeyIndex,
	})
	if err != nil {
		log.Errorf("re-deriving claim key for swap %v: %v", s.ID, err)
		return newSwapFSMWithHtlc(mgr, s, nil)
	}

	var receiverKey [33]byte
	copy(receiverKey[:], keyDesc.PubKey.SerializeCompressed())

	htlc, err := rebuildHtlc(
		mgr.cfg, s.KeyIndex, s.RefundPublicKey, receiverKey, s.PreimageHash,
		s.OutputType, int32(s.TimeoutBlockHeight),
	)
	if err != nil {
		log.Errorf("rebuilding htlc for swap %v: %v", s.ID, err)
	}

	return newSwapFSMWithHtlc(mgr, s, htlc)
}

// newSwapFSMWithHtlc builds a swapFSM whose htlc is already known, the
// path taken right after CreateSwap constructs both.
func newSwapFSMWithHtlc(mgr *Manager, s *store.Swap, htlc *swap.Htlc) *swapFSM {
	f := &swapFSM{
		mgr:       mgr,
		ctx:       mgr.ctx(),
		htlc:      htlc,
		createdAt: mgr.cfg.Clock.Now(),
	}

	sm := fsm.NewStateMachineWithState(f.GetSubmarineStates(), fsm.StateType(s.Status.String()))
	f.GenericFSM = fsm.NewGenericFSM[store.Swap](sm, s)

	return f
}

// watchLockupAction begins watching the swap's lockup address for funding
// activity. It is re-entered on recovery, which simply re-registers the
// same filter.
func (f *swapFSM) watchLockupAction(eventCtx fsm.EventContext) fsm.EventType {
	f.mgr.cfg.Observer.WatchOutput(f.htlc.PkScript)
	return fsm.NoOp
}

// zeroConfGuardAction decides whether an unconfirmed lockup may be treated
// as accepted. It requires the swap to have opted in, the funding
// transaction to not signal replaceability, and the swap's expected amount
// to sit within the fee oracle's risk cap for the pair.
func (f *swapFSM) zeroConfGuardAction(eventCtx fsm.EventContext) fsm.EventType {
	// OnRecover re-enters this state with no transaction in hand, the
	// lockup having already been recorded by the run that observed it;
	// just re-register the watch rather than re-deriving it from a tx.
	if eventCtx == nil {
		f.mgr.cfg.Observer.WatchOutput(f.htlc.PkScript)
		return fsm.NoOp
	}

	tx, ok := eventCtx.(*chainobserver.TxEvent)
	if !ok {
		return f.HandleError(fmt.Errorf("invalid event context: %T", eventCtx))
	}

	s := f.GetVal()

	vout, amount, ok := findLockupOutput(tx.Tx, f.htlc.PkScript)
	if !ok {
		return f.HandleError(fmt.Errorf(
			"lockup transaction %v pays no output for swap %v",
			tx.Tx.TxHash(), s.ID,
		))
	}

	txHash := tx.Tx.TxHash()
	if err := f.RunFunc(func(val *store.Swap) error {
		val.Status = store.StateTransactionMempool
		val.Lockup = &store.TransactionInfo{
			TxID: txHash, Vout: vout, Amount: amount,
		}
		return nil
	}); err != nil {
		log.Errorf("swap %v: recording lockup: %v", s.ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("swap %v: persisting lockup: %v", s.ID, err)
	}

	f.publishUpdate()

	if !s.AcceptZeroConf {
		return fsm.NoOp
	}

	if signalsRBF(tx.Tx) {
		log.Infof("swap %v: lockup signals RBF, waiting for confirmation", s.ID)
		return fsm.NoOp
	}

	riskCap, err := f.mgr.cfg.FeeOracle.RiskCap(feeoracle.Pair(s.Pair))
	if err != nil {
		log.Errorf("swap %v: risk cap lookup failed: %v", s.ID, err)
		return fsm.NoOp
	}

	if s.ExpectedAmount > riskCap {
		log.Infof("swap %v: lockup exceeds zero-conf risk cap, waiting "+
			"for confirmation", s.ID)
		return fsm.NoOp
	}

	return OnPayInvoice
}

// payInvoiceAction dispatches the Lightning payment in the background and
// resumes the state machine once it reaches a terminal state.
func (f *swapFSM) payInvoiceAction(eventCtx fsm.EventContext) fsm.EventType {
	status := store.StateInvoicePending
	if f.CurrentState() == StateTransactionConfirmed {
		status = store.StateTransactionConfirmed
	}

	if err := f.RunFunc(func(val *store.Swap) error {
		val.Status = status
		return nil
	}); err != nil {
		log.Errorf("swap %v: updating status: %v", f.GetVal().ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("swap %v: persisting status: %v", f.GetVal().ID, err)
	}

	f.publishUpdate()

	s := f.GetVal()

	maxFee := s.ExpectedAmount * maxRoutingFeePPM / 1_000_000

	go func() {
		result, err := f.mgr.cfg.Lightning.PayInvoice(
			f.ctx, s.Invoice, s.PreimageHash, maxFee, paymentTimeout,
		)
		if err != nil {
			log.Errorf("swap %v: payment failed: %v", s.ID, err)
			f.mgr.dispatch(f.StateMachine, OnInvoiceFailedToPay, err)
			return
		}

		f.mgr.dispatch(f.StateMachine, OnInvoicePaid, result)
	}()

	return fsm.NoOp
}

// claimAction builds, signs and broadcasts the transaction that sweeps the
// lockup output to the nursery's wallet using the preimage the payment
// just revealed.
func (f *swapFSM) claimAction(eventCtx fsm.EventContext) fsm.EventType {
	result, ok := eventCtx.(*lightning.PaymentResult)
	if !ok {
		return f.HandleError(fmt.Errorf("invalid event context: %T", eventCtx))
	}

	s := f.GetVal()

	destAddr, err := f.mgr.cfg.Wallet.NextAddr(f.ctx)
	if err != nil {
		return f.HandleError(fmt.Errorf("deriving claim destination: %w", err))
	}

	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return f.HandleError(fmt.Errorf("building claim destination script: %w", err))
	}

	feeRate, err := f.mgr.cfg.FeeOracle.ChainFeeRate(defaultConfTarget)
	if err != nil {
		return f.HandleError(fmt.Errorf("fetching fee rate: %w", err))
	}

	lockupOutpoint, lockupValue, err := f.lockupOutpoint(s)
	if err != nil {
		return f.HandleError(err)
	}

	req := &swap.SweepRequest{
		Htlc:           f.htlc,
		SwapHash:       s.ID,
		LockupOutpoint: lockupOutpoint,
		LockupValue:    lockupValue,
		DestPkScript:   destScript,
		FeeRate:        feeRate,
	}

	signer := newSweepSigner(
		f.ctx, f.mgr.cfg.Signer, f.htlc, int64(lockupValue),
		keyDescriptorFor(f.mgr.cfg, s.KeyIndex), true,
	)

	tx, err := swap.BuildClaimTransaction(req, result.Preimage, signer)
	if err != nil {
		return f.HandleError(fmt.Errorf("building claim transaction: %w", err))
	}

	if err := f.mgr.cfg.Wallet.PublishTransaction(f.ctx, tx); err != nil {
		return f.HandleError(fmt.Errorf("publishing claim transaction: %w", err))
	}

	txHash := tx.TxHash()
	if err := f.RunFunc(func(val *store.Swap) error {
		val.Status = store.StateTransactionClaimed
		return nil
	}); err != nil {
		log.Errorf("swap %v: updating local state after claim: %v", s.ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("swap %v: persisting claim: %v", s.ID, err)
	}

	f.publishUpdateWithTx(txHash.String(), txHex(tx))

	log.Infof("swap %v: broadcast claim transaction %v", s.ID, txHash)

	return OnClaimBroadcast
}

// lockupOutpoint locates the vout paying the htlc address within the
// recorded lockup transaction.
func (f *swapFSM) lockupOutpoint(s *store.Swap) (wire.OutPoint, btcutil.Amount, error) {
	if s.Lockup == nil {
		return wire.OutPoint{}, 0, fmt.Errorf("swap %v has no recorded lockup", s.ID)
	}

	return wire.OutPoint{Hash: s.Lockup.TxID, Index: s.Lockup.Vout}, s.Lockup.Amount, nil
}

// finalizeSuccessAction publishes the swap-success notification and
// releases the nursery's tracking state for it.
func (f *swapFSM) finalizeSuccessAction(eventCtx fsm.EventContext) fsm.EventType {
	s := f.GetVal()

	f.mgr.cfg.Bus.PublishSuccess(notifications.SwapResult{Swap: s})
	f.mgr.forgetSwap(s)

	return fsm.NoOp
}

// finalizeFailureAction publishes the swap-failure notification and
// releases the nursery's tracking state for it.
func (f *swapFSM) finalizeFailureAction(eventCtx fsm.EventContext) fsm.EventType {
	status := store.StateSwapExpired
	reason := "expired"
	if f.CurrentState() == StateInvoiceFailedToPay {
		status = store.StateInvoiceFailedToPay
		reason = "invoice failed to pay"
	}

	if err := f.RunFunc(func(val *store.Swap) error {
		val.Status = status
		return nil
	}); err != nil {
		log.Errorf("swap %v: updating status: %v", f.GetVal().ID, err)
	}

	s := f.GetVal()

	if err := f.mgr.cfg.Store.UpdateSwap(f.ctx, s); err != nil {
		log.Errorf("swap %v: persisting failure: %v", s.ID, err)
	}

	f.publishUpdate()

	f.mgr.cfg.Bus.PublishFailure(notifications.SwapResult{
		Swap: s, Reason: reason,
	})
	f.mgr.forgetSwap(s)

	return fsm.NoOp
}

// publishUpdate fans out a swap.update notification reflecting f's current
// persisted state.
func (f *swapFSM) publishUpdate() {
	f.publishUpdateWithTx("", "")
}

// publishUpdateWithTx is publishUpdate plus the transaction that drove the
// state change, for actions that just broadcast one.
func (f *swapFSM) publishUpdateWithTx(txID, txHex string) {
	s := f.GetVal()

	f.mgr.cfg.Bus.PublishUpdate(notifications.SwapUpdate{
		ID:             s.ID,
		Status:         s.Status.String(),
		TransactionID:  txID,
		TransactionHex: txHex,
	})
}
