package nursery

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/notifications"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
)

// reverseFSM drives a single reverse swap from creation, through the
// service's own on-chain lockup, to the client's claim and the matching
// hold-invoice settlement, or to refund on expiry.
type reverseFSM struct {
	*fsm.GenericFSM[store.ReverseSwap]

	mgr  *Manager
	ctx  context.Context
	htlc *swap.Htlc

	// createdAt is when this state machine was constructed, used by the
	// manager's stale-swap watchdog. It is reset on recovery, not
	// inherited from the swap's original creation time.
	createdAt time.Time
}

// newReverseFSM builds a reverseFSM for a reverse swap loaded from the
// repository, re-deriving the nursery's own refund key to rebuild the htlc
// GenTimeoutWitness needs.
func newReverseFSM(mgr *Manager, s *store.ReverseSwap) (*reverseFSM, error) {
	keyDesc, err := mgr.cfg.Wallet.DeriveKey(mgr.ctx(), &keychain.KeyLocator{
		Family: keychain.KeyFamily(swap.KeyFamily),
		Index:  s.KeyIndex,
	})
	if err != nil {
		return nil, fmt.Errorf(
			"re-deriving refund key for reverse swap %v: %w", s.ID, err,
		)
	}

	var senderKey [33]byte
	copy(senderKey[:], keyDesc.PubKey.SerializeCompressed())

	htlc, err := rebuildHtlc(
		mgr.cfg, s.KeyIndex, senderKey, s.ClaimPublicKey, s.PreimageHash,
		s.OutputType, int32(s.TimeoutBlockHeight),
	)
	if err != nil {
		return nil, fmt.Errorf(
			"rebuilding htlc for reverse swap %v: %w", s.ID, err,
		)
	}

	return newReverseFSMWithHtlc(mgr, s, htlc), nil
}

// newReverseFSMWithHtlc builds a reverseFSM whose htlc is already known, the
// path taken right after CreateReverseSwap constructs both.
func newReverseFSMWithHtlc(mgr *Manager, s *store.ReverseSwap,
	htlc *swap.Htlc) *reverseFSM {

	f := &reverseFSM{
		mgr:       mgr,
		ctx:       mgr.ctx(),
		htlc:      htlc,
		createdAt: mgr.cfg.Clock.Now(),
	}

	sm := fsm.NewStateMachineWithState(
		f.GetReverseStates(), fsm.StateType(s.Status.String()),
	)
	f.GenericFSM = fsm.NewGenericFSM[store.ReverseSwap](sm, s)

	return f
}

// broadcastLockupAction funds the on-chain htlc from the nursery's wallet.
// The service commits its own capital before the counterparty pays the
// hold invoice, so the counterparty can verify the lockup exists before
// paying off-chain.
func (f *reverseFSM) broadcastLockupAction(eventCtx fsm.EventContext) fsm.EventType {
	s := f.GetVal()

	feeRate, err := f.mgr.cfg.Wallet.EstimateFee(f.ctx, defaultConfTarget)
	if err != nil {
		log.Errorf("reverse swap %v: estimating lockup fee: %v", s.ID, err)
		return OnLockupRejected
	}

	tx, err := f.mgr.cfg.Wallet.SendOutputs(f.ctx, []*wire.TxOut{{
		PkScript: f.htlc.PkScript,
		Value:    int64(s.OnchainAmount),
	}}, feeRate)
	if err != nil {
		log.Errorf("reverse swap %v: broadcasting lockup: %v", s.ID, err)
		return OnLockupRejected
	}

	f.mgr.cfg.Observer.WatchOutput(f.htlc.PkScript)

	vout, amount, ok := findLockupOutput(tx, f.htlc.PkScript)
	if !ok {
		log.Errorf("reverse swap %v: lockup tx %v pays no htlc output",
			s.ID, tx.TxHash())
		return OnLockupRejected
	}

	txHash := tx.TxHash()
	if err := f.RunFunc(func(val *store.ReverseSwap) error {
		val.Lockup = &store.TransactionInfo{
			TxID: txHash, Vout: vout, Amount: amount,
		}
		return nil
	}); err != nil {
		log.Errorf("reverse swap %v: recording lockup: %v", s.ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateReverseSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("reverse swap %v: persisting lockup: %v", s.ID, err)
	}

	f.publishUpdateWithTx(txHash.String(), txHex(tx))

	log.Infof("reverse swap %v: broadcast lockup transaction %v", s.ID, txHash)

	return OnLockupBroadcast
}

// watchLockupConfirmationAction re-registers the lockup output filter and
// records that the lockup has entered the mempool. Confirmation itself is
// detected by the chain observer.
func (f *reverseFSM) watchLockupConfirmationAction(eventCtx fsm.EventContext) fsm.EventType {
	f.mgr.cfg.Observer.WatchOutput(f.htlc.PkScript)
	f.persistStatus(store.ReverseStateTransactionMempool)

	return fsm.NoOp
}

// waitForHtlcAcceptedAction begins watching for the counterparty's claim
// spend now that the lockup is confirmed, and otherwise waits for the
// Lightning adapter to report the hold invoice's HTLC as accepted.
func (f *reverseFSM) waitForHtlcAcceptedAction(eventCtx fsm.EventContext) fsm.EventType {
	s := f.GetVal()

	f.persistStatus(store.ReverseStateTransactionConfirmed)

	if s.Lockup != nil {
		outpoint := wire.OutPoint{Hash: s.Lockup.TxID, Index: s.Lockup.Vout}
		f.mgr.watchClaimSpend(s.ID, outpoint)
	}

	return fsm.NoOp
}

// waitForClaimAction re-registers the claim-spend filter, the state entered
// once the counterparty's off-chain payment has locked in and the nursery
// is waiting for the on-chain reveal of the preimage.
func (f *reverseFSM) waitForClaimAction(eventCtx fsm.EventContext) fsm.EventType {
	s := f.GetVal()

	f.persistStatus(store.ReverseStateInvoicePaid)

	if s.Lockup != nil {
		outpoint := wire.OutPoint{Hash: s.Lockup.TxID, Index: s.Lockup.Vout}
		f.mgr.watchClaimSpend(s.ID, outpoint)
	}

	return fsm.NoOp
}

// refundAction sweeps the expired lockup back to the nursery's wallet via
// the htlc's timeout path.
func (f *reverseFSM) refundAction(eventCtx fsm.EventContext) fsm.EventType {
	s := f.GetVal()

	if s.Lockup == nil {
		log.Errorf("reverse swap %v: expired with no recorded lockup", s.ID)
		return fsm.NoOp
	}

	destAddr, err := f.mgr.cfg.Wallet.NextAddr(f.ctx)
	if err != nil {
		return f.HandleError(fmt.Errorf("deriving refund destination: %w", err))
	}

	destScript, err := addressToPkScript(destAddr.String(), f.mgr.cfg.ChainParams)
	if err != nil {
		return f.HandleError(fmt.Errorf("building refund destination script: %w", err))
	}

	feeRate, err := f.mgr.cfg.FeeOracle.ChainFeeRate(defaultConfTarget)
	if err != nil {
		return f.HandleError(fmt.Errorf("fetching fee rate: %w", err))
	}

	req := &swap.SweepRequest{
		Htlc:     f.htlc,
		SwapHash: s.ID,
		LockupOutpoint: wire.OutPoint{
			Hash: s.Lockup.TxID, Index: s.Lockup.Vout,
		},
		LockupValue:   s.Lockup.Amount,
		DestPkScript:  destScript,
		FeeRate:       feeRate,
		TimeoutHeight: int32(s.TimeoutBlockHeight),
	}

	signer := newSweepSigner(
		f.ctx, f.mgr.cfg.Signer, f.htlc, int64(s.Lockup.Amount),
		keyDescriptorFor(f.mgr.cfg, s.KeyIndex), false,
	)

	tx, err := swap.BuildRefundTransaction(req, signer)
	if err != nil {
		return f.HandleError(fmt.Errorf("building refund transaction: %w", err))
	}

	if err := f.mgr.cfg.Wallet.PublishTransaction(f.ctx, tx); err != nil {
		return f.HandleError(fmt.Errorf("publishing refund transaction: %w", err))
	}

	txHash := tx.TxHash()
	if err := f.RunFunc(func(val *store.ReverseSwap) error {
		val.Status = store.ReverseStateTransactionRefunded
		return nil
	}); err != nil {
		log.Errorf("reverse swap %v: updating status: %v", s.ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateReverseSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("reverse swap %v: persisting refund: %v", s.ID, err)
	}

	f.publishUpdateWithTx(txHash.String(), txHex(tx))

	log.Infof("reverse swap %v: broadcast refund transaction %v", s.ID, txHash)

	return OnRefundBroadcast
}

// finalizeSuccessAction settles the hold invoice with the preimage revealed
// by the counterparty's on-chain claim, then releases the nursery's
// tracking state for the swap.
func (f *reverseFSM) finalizeSuccessAction(eventCtx fsm.EventContext) fsm.EventType {
	preimage, ok := eventCtx.(lntypes.Preimage)
	if !ok {
		return f.HandleError(fmt.Errorf("invalid event context: %T", eventCtx))
	}

	s := f.GetVal()

	if err := f.mgr.cfg.Lightning.SettleInvoice(f.ctx, preimage); err != nil {
		log.Errorf("reverse swap %v: settling invoice: %v", s.ID, err)
	}

	if err := f.RunFunc(func(val *store.ReverseSwap) error {
		val.Status = store.ReverseStateInvoiceSettled
		val.Preimage = &preimage
		return nil
	}); err != nil {
		log.Errorf("reverse swap %v: recording preimage: %v", s.ID, err)
	}

	s = f.GetVal()

	if err := f.mgr.cfg.Store.UpdateReverseSwap(f.ctx, s); err != nil {
		log.Errorf("reverse swap %v: persisting settlement: %v", s.ID, err)
	}

	f.publishUpdate()

	f.mgr.cfg.Bus.PublishSuccess(notifications.SwapResult{
		Swap: s, IsReverse: true,
	})
	f.mgr.forgetReverseSwap(s)

	return fsm.NoOp
}

// finalizeFailureAction publishes the reverse-swap-failure notification,
// canceling the hold invoice if it was never settled, and releases the
// nursery's tracking state for the swap.
func (f *reverseFSM) finalizeFailureAction(eventCtx fsm.EventContext) fsm.EventType {
	status := store.ReverseStateTransactionFailed
	reason := "lockup rejected"
	if f.CurrentState() == ReverseStateTransactionRefunded {
		status = store.ReverseStateTransactionRefunded
		reason = "expired, refunded"
	}

	if err := f.RunFunc(func(val *store.ReverseSwap) error {
		val.Status = status
		return nil
	}); err != nil {
		log.Errorf("reverse swap %v: updating status: %v", f.GetVal().ID, err)
	}

	s := f.GetVal()

	if err := f.mgr.cfg.Store.UpdateReverseSwap(f.ctx, s); err != nil {
		log.Errorf("reverse swap %v: persisting failure: %v", s.ID, err)
	}

	f.publishUpdate()

	if s.Preimage == nil {
		if err := f.mgr.cfg.Lightning.CancelInvoice(f.ctx, s.PreimageHash); err != nil {
			log.Errorf("reverse swap %v: canceling invoice: %v", s.ID, err)
		}
	}

	f.mgr.cfg.Bus.PublishFailure(notifications.SwapResult{
		Swap: s, IsReverse: true, Reason: reason,
	})
	f.mgr.forgetReverseSwap(s)

	return fsm.NoOp
}

// persistStatus sets status on f's value, persists it, and publishes a
// swap.update notification.
func (f *reverseFSM) persistStatus(status store.ReverseSwapState) {
	if err := f.RunFunc(func(val *store.ReverseSwap) error {
		val.Status = status
		return nil
	}); err != nil {
		log.Errorf("reverse swap %v: updating status: %v", f.GetVal().ID, err)
	}

	if err := f.mgr.cfg.Store.UpdateReverseSwap(f.ctx, f.GetVal()); err != nil {
		log.Errorf("reverse swap %v: persisting status: %v", f.GetVal().ID, err)
	}

	f.publishUpdate()
}

// publishUpdate fans out a swap.update notification reflecting f's current
// persisted state.
func (f *reverseFSM) publishUpdate() {
	f.publishUpdateWithTx("", "")
}

// publishUpdateWithTx is publishUpdate plus the transaction that drove the
// state change, for actions that just broadcast one.
func (f *reverseFSM) publishUpdateWithTx(txID, txHex string) {
	s := f.GetVal()

	f.mgr.cfg.Bus.PublishUpdate(notifications.SwapUpdate{
		ID:             s.ID,
		Status:         s.Status.String(),
		TransactionID:  txID,
		TransactionHex: txHex,
	})
}
