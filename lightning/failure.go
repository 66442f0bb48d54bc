package lightning

import "github.com/lightningnetwork/lnd/lnrpc"

// FailureKind classifies why a payment attempt terminated, distinguishing
// failures that are worth retrying from ones that are not.
type FailureKind int

const (
	// FailureUnknown covers any failure reason not otherwise classified.
	// Treated as transient: it is retried up to the attempt budget.
	FailureUnknown FailureKind = iota

	// FailureNoRoute means no path to the destination could be found.
	// Terminal: retrying with the same route hints will not help.
	FailureNoRoute

	// FailureTimeout means the payment did not complete within the
	// caller-supplied deadline. Transient: eligible for retry.
	FailureTimeout

	// FailureInvoiceAlreadyPaid means lnd already holds a completed
	// payment for this payment hash. Terminal, and not actually a
	// failure from the caller's perspective.
	FailureInvoiceAlreadyPaid

	// FailureIncorrectPaymentDetails means the destination rejected the
	// payment because the amount or the payment secret did not match.
	// Terminal: the invoice itself is the problem.
	FailureIncorrectPaymentDetails
)

// String returns the human-readable name of a FailureKind.
func (f FailureKind) String() string {
	switch f {
	case FailureNoRoute:
		return "NO_ROUTE"
	case FailureTimeout:
		return "TIMEOUT"
	case FailureInvoiceAlreadyPaid:
		return "INVOICE_ALREADY_PAID"
	case FailureIncorrectPaymentDetails:
		return "INCORRECT_PAYMENT_DETAILS"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a payment attempt that failed for this reason
// should be retried against the attempt budget, as opposed to being
// surfaced to the caller immediately as terminal.
func (f FailureKind) Retryable() bool {
	switch f {
	case FailureTimeout, FailureUnknown:
		return true
	default:
		return false
	}
}

// classifyFailureReason maps lnd's payment failure reason onto FailureKind.
func classifyFailureReason(reason lnrpc.PaymentFailureReason) FailureKind {
	switch reason {
	case lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE:
		return FailureNoRoute

	case lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT:
		return FailureTimeout

	case lnrpc.PaymentFailureReason_FAILURE_REASON_INCORRECT_PAYMENT_DETAILS:
		return FailureIncorrectPaymentDetails

	default:
		return FailureUnknown
	}
}
