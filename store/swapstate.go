package store

// SwapState is the status of a submarine swap.
type SwapState uint8

const (
	// StateCreated is the initial state of a newly created submarine
	// swap, before any on-chain funding has been observed.
	StateCreated SwapState = iota

	// StateTransactionMempool is set once the lockup funding transaction
	// has been observed in the mempool (or accepted under the zero-conf
	// policy).
	StateTransactionMempool

	// StateTransactionConfirmed is set once the lockup funding
	// transaction reaches the confirmation threshold.
	StateTransactionConfirmed

	// StateInvoicePending is set once the Lightning Adapter has been
	// asked to pay the swap's invoice.
	StateInvoicePending

	// StateInvoicePaid is set once the outgoing Lightning payment
	// succeeds and the preimage is known.
	StateInvoicePaid

	// StateTransactionClaimed is the terminal success state: the claim
	// transaction spending the lockup output has been broadcast.
	StateTransactionClaimed

	// StateInvoiceFailedToPay is a terminal failure state: the Lightning
	// payment failed permanently. The user must refund themselves.
	StateInvoiceFailedToPay

	// StateSwapExpired is a terminal failure state: the timeout block
	// height was reached before completion.
	StateSwapExpired
)

// String returns the human-readable name of the state.
func (s SwapState) String() string {
	switch s {
	case StateCreated:
		return "SwapCreated"
	case StateTransactionMempool:
		return "TransactionMempool"
	case StateTransactionConfirmed:
		return "TransactionConfirmed"
	case StateInvoicePending:
		return "InvoicePending"
	case StateInvoicePaid:
		return "InvoicePaid"
	case StateTransactionClaimed:
		return "TransactionClaimed"
	case StateInvoiceFailedToPay:
		return "InvoiceFailedToPay"
	case StateSwapExpired:
		return "SwapExpired"
	default:
		return "Unknown"
	}
}

// IsPending reports whether a swap in this state still needs nursery
// attention (as opposed to being in a final resting state).
func (s SwapState) IsPending() bool {
	return !s.IsFinal()
}

// IsFinal reports whether this state is terminal.
func (s SwapState) IsFinal() bool {
	switch s {
	case StateTransactionClaimed, StateInvoiceFailedToPay, StateSwapExpired:
		return true
	default:
		return false
	}
}

// ReverseSwapState is the status of a reverse submarine swap.
type ReverseSwapState uint8

const (
	// ReverseStateCreated is the initial state of a newly created
	// reverse swap.
	ReverseStateCreated ReverseSwapState = iota

	// ReverseStateTransactionMempool is set once the service's own
	// lockup transaction has been broadcast and observed in the
	// mempool.
	ReverseStateTransactionMempool

	// ReverseStateTransactionConfirmed is set once the lockup
	// transaction reaches the confirmation threshold.
	ReverseStateTransactionConfirmed

	// ReverseStateInvoicePaid is set once the user has locked the HTLC
	// on the incoming hold-invoice (htlc.accepted).
	ReverseStateInvoicePaid

	// ReverseStateInvoiceSettled is the terminal success state: the
	// service observed the user's claim transaction, learned the
	// preimage, and settled the hold-invoice.
	ReverseStateInvoiceSettled

	// ReverseStateTransactionFailed is a terminal failure state: the
	// lockup broadcast was rejected.
	ReverseStateTransactionFailed

	// ReverseStateSwapExpired marks that the timeout height was reached
	// without the user claiming; a refund is now in flight.
	ReverseStateSwapExpired

	// ReverseStateTransactionRefunded is the terminal failure state:
	// the service's refund transaction has been broadcast.
	ReverseStateTransactionRefunded
)

// String returns the human-readable name of the state.
func (s ReverseSwapState) String() string {
	switch s {
	case ReverseStateCreated:
		return "SwapCreated"
	case ReverseStateTransactionMempool:
		return "TransactionMempool"
	case ReverseStateTransactionConfirmed:
		return "TransactionConfirmed"
	case ReverseStateInvoicePaid:
		return "InvoicePaid"
	case ReverseStateInvoiceSettled:
		return "InvoiceSettled"
	case ReverseStateTransactionFailed:
		return "TransactionFailed"
	case ReverseStateSwapExpired:
		return "SwapExpired"
	case ReverseStateTransactionRefunded:
		return "TransactionRefunded"
	default:
		return "Unknown"
	}
}

// IsPending reports whether a swap in this state still needs nursery
// attention.
func (s ReverseSwapState) IsPending() bool {
	return !s.IsFinal()
}

// IsFinal reports whether this state is terminal.
func (s ReverseSwapState) IsFinal() bool {
	switch s {
	case ReverseStateInvoiceSettled, ReverseStateTransactionFailed,
		ReverseStateTransactionRefunded:
		return true
	default:
		return false
	}
}
