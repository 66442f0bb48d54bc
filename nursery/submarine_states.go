package nursery

import (
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/store"
)

// Submarine states, named after store.SwapState so logs and persistence
// agree on vocabulary.
var (
	StateCreated              = fsm.StateType(store.StateCreated.String())
	StateTransactionMempool   = fsm.StateType(store.StateTransactionMempool.String())
	StateTransactionConfirmed = fsm.StateType(store.StateTransactionConfirmed.String())
	StateInvoicePending       = fsm.StateType(store.StateInvoicePending.String())
	StateInvoicePaid          = fsm.StateType(store.StateInvoicePaid.String())
	StateTransactionClaimed   = fsm.StateType(store.StateTransactionClaimed.String())
	StateInvoiceFailedToPay   = fsm.StateType(store.StateInvoiceFailedToPay.String())
	StateSwapExpired          = fsm.StateType(store.StateSwapExpired.String())
)

// Submarine events.
var (
	OnCreated              = fsm.EventType("OnCreated")
	OnTransactionSeen      = fsm.EventType("OnTransactionSeen")
	OnTransactionConfirmed = fsm.EventType("OnTransactionConfirmed")
	OnPayInvoice           = fsm.EventType("OnPayInvoice")
	OnInvoicePaid          = fsm.EventType("OnInvoicePaid")
	OnInvoiceFailedToPay   = fsm.EventType("OnInvoiceFailedToPay")
	OnClaimBroadcast       = fsm.EventType("OnClaimBroadcast")
	OnExpire    = fsm.EventType("OnExpire")
	OnRecover   = fsm.EventType("OnRecover")
)

// GetSubmarineStates returns the submarine swap transition table: user pays
// on-chain, the nursery pays a Lightning invoice and claims the lockup once
// the payment succeeds.
func (f *swapFSM) GetSubmarineStates() fsm.States {
	return fsm.States{
		fsm.Default: {
			Transitions: fsm.Transitions{
				OnCreated: StateCreated,
			},
		},
		StateCreated: {
			Action: f.watchLockupAction,
			Transitions: fsm.Transitions{
				OnTransactionSeen: StateTransactionMempool,
				OnExpire:          StateSwapExpired,
				fsm.OnError:       StateSwapExpired,
				OnRecover:         StateCreated,
			},
		},
		StateTransactionMempool: {
			Action: f.zeroConfGuardAction,
			Transitions: fsm.Transitions{
				OnTransactionConfirmed: StateTransactionConfirmed,
				OnPayInvoice:           StateInvoicePending,
				OnExpire:               StateSwapExpired,
				fsm.OnError:            StateSwapExpired,
				OnRecover:              StateTransactionMempool,
			},
		},
		StateTransactionConfirmed: {
			Action: f.payInvoiceAction,
			Transitions: fsm.Transitions{
				OnInvoicePaid:        StateInvoicePaid,
				OnInvoiceFailedToPay: StateInvoiceFailedToPay,
				OnExpire:             StateSwapExpired,
				OnRecover:            StateTransactionConfirmed,
			},
		},
		StateInvoicePending: {
			Action: f.payInvoiceAction,
			Transitions: fsm.Transitions{
				OnInvoicePaid:        StateInvoicePaid,
				OnInvoiceFailedToPay: StateInvoiceFailedToPay,
				OnExpire:             StateSwapExpired,
				OnRecover:            StateInvoicePending,
			},
		},
		StateInvoicePaid: {
			Action: f.claimAction,
			Transitions: fsm.Transitions{
				OnClaimBroadcast: StateTransactionClaimed,
				fsm.OnError:      StateInvoicePaid,
				OnRecover:        StateInvoicePaid,
			},
		},
		StateTransactionClaimed: {
			Action: f.finalizeSuccessAction,
		},
		StateInvoiceFailedToPay: {
			Action: f.finalizeFailureAction,
		},
		StateSwapExpired: {
			Action: f.finalizeFailureAction,
		},
	}
}
