package nursery

import (
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/store"
)

// Reverse swap states, named after store.ReverseSwapState.
var (
	ReverseStateCreated              = fsm.StateType(store.ReverseStateCreated.String())
	ReverseStateTransactionMempool   = fsm.StateType(store.ReverseStateTransactionMempool.String())
	ReverseStateTransactionConfirmed = fsm.StateType(store.ReverseStateTransactionConfirmed.String())
	ReverseStateInvoicePaid          = fsm.StateType(store.ReverseStateInvoicePaid.String())
	ReverseStateInvoiceSettled       = fsm.StateType(store.ReverseStateInvoiceSettled.String())
	ReverseStateTransactionFailed    = fsm.StateType(store.ReverseStateTransactionFailed.String())
	ReverseStateSwapExpired          = fsm.StateType(store.ReverseStateSwapExpired.String())
	ReverseStateTransactionRefunded  = fsm.StateType(store.ReverseStateTransactionRefunded.String())
)

// Reverse swap events.
var (
	OnReverseCreated              = fsm.EventType("OnReverseCreated")
	OnLockupBroadcast             = fsm.EventType("OnLockupBroadcast")
	OnLockupRejected              = fsm.EventType("OnLockupRejected")
	OnLockupConfirmed             = fsm.EventType("OnLockupConfirmed")
	OnHtlcAccepted                = fsm.EventType("OnHtlcAccepted")
	OnClaimSeen       = fsm.EventType("OnClaimSeen")
	OnReverseExpire   = fsm.EventType("OnReverseExpire")
	OnRefundBroadcast = fsm.EventType("OnRefundBroadcast")
	OnReverseRecover  = fsm.EventType("OnReverseRecover")
)

// GetReverseStates returns the reverse swap transition table: the nursery
// pays on-chain, the user pays a Lightning invoice by revealing the
// preimage on-chain, and the nursery settles the hold invoice once it
// learns that preimage.
func (f *reverseFSM) GetReverseStates() fsm.States {
	return fsm.States{
		fsm.Default: {
			Transitions: fsm.Transitions{
				OnReverseCreated: ReverseStateCreated,
			},
		},
		ReverseStateCreated: {
			Action: f.broadcastLockupAction,
			Transitions: fsm.Transitions{
				OnLockupBroadcast: ReverseStateTransactionMempool,
				OnLockupRejected:  ReverseStateTransactionFailed,
				OnReverseRecover:  ReverseStateCreated,
			},
		},
		ReverseStateTransactionMempool: {
			Action: f.watchLockupConfirmationAction,
			Transitions: fsm.Transitions{
				OnLockupConfirmed: ReverseStateTransactionConfirmed,
				OnReverseRecover:  ReverseStateTransactionMempool,
			},
		},
		ReverseStateTransactionConfirmed: {
			Action: f.waitForHtlcAcceptedAction,
			Transitions: fsm.Transitions{
				OnHtlcAccepted:   ReverseStateInvoicePaid,
				OnReverseExpire:  ReverseStateSwapExpired,
				OnReverseRecover: ReverseStateTransactionConfirmed,
			},
		},
		ReverseStateInvoicePaid: {
			Action: f.waitForClaimAction,
			Transitions: fsm.Transitions{
				OnClaimSeen:      ReverseStateInvoiceSettled,
				OnReverseExpire:  ReverseStateSwapExpired,
				OnReverseRecover: ReverseStateInvoicePaid,
			},
		},
		ReverseStateInvoiceSettled: {
			Action: f.finalizeSuccessAction,
		},
		ReverseStateTransactionFailed: {
			Action: f.finalizeFailureAction,
		},
		ReverseStateSwapExpired: {
			Action: f.refundAction,
			Transitions: fsm.Transitions{
				OnRefundBroadcast: ReverseStateTransactionRefunded,
				OnReverseRecover:  ReverseStateSwapExpired,
			},
		},
		ReverseStateTransactionRefunded: {
			Action: f.finalizeFailureAction,
		},
	}
}
