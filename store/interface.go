package store

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcswap/nursery/swap"
	"github.com/lightningnetwork/lnd/lntypes"
)

// OrderSide is the side of the swap pair the counterparty requested.
type OrderSide uint8

const (
	// OrderSideBuy indicates the counterparty is buying the base
	// currency.
	OrderSideBuy OrderSide = iota

	// OrderSideSell indicates the counterparty is selling the base
	// currency.
	OrderSideSell
)

func (s OrderSide) String() string {
	if s == OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// TransactionInfo carries the on-chain identity of a transaction relevant
// to a swap. Nested (rather than flattened into transactionId/
// transactionHex fields) per the persistence-shape decision recorded in
// DESIGN.md.
type TransactionInfo struct {
	// TxID is the transaction's hash.
	TxID chainhash.Hash

	// Vout is the relevant output index within the transaction.
	Vout uint32

	// Amount is the value, in satoshis, of the relevant output.
	Amount btcutil.Amount

	// Hex is the raw serialized transaction, once known.
	Hex []byte
}

// Swap is a submarine swap: the user pays on-chain, the service pays a
// Lightning invoice.
type Swap struct {
	// ID uniquely identifies the swap across both the swap and
	// reverseSwap tables.
	ID lntypes.Hash

	// Pair identifies the traded currency pair, e.g. "LTC/BTC".
	Pair string

	// OrderSide records which side of Pair the counterparty holds.
	OrderSide OrderSide

	// Invoice is the Lightning payment request the service must pay.
	Invoice string

	// PreimageHash is the invoice's payment hash. Exactly one live swap
	// exists per PreimageHash.
	PreimageHash lntypes.Hash

	// RedeemScript is the HTLC redeem script backing LockupAddress.
	RedeemScript []byte

	// LockupAddress is the on-chain address the user must fund.
	LockupAddress string

	// RefundPublicKey is the counterparty's key backing the timeout path
	// of RedeemScript, needed again on recovery to reconstruct the htlc
	// GenTimeoutWitness expects.
	RefundPublicKey [33]byte

	// OutputType records which of the builder's output encodings
	// LockupAddress uses, so the claim transaction knows how to spend
	// it without re-deriving the type.
	OutputType swap.HtlcOutputType

	// KeyIndex is the derivation index of the service's refund/claim
	// key for this swap.
	KeyIndex uint32

	// ExpectedAmount is the minimum on-chain credit required to accept
	// the funding transaction.
	ExpectedAmount btcutil.Amount

	// AcceptZeroConf indicates whether an unconfirmed funding
	// transaction may be treated as accepted under the zero-conf
	// policy.
	AcceptZeroConf bool

	// TimeoutBlockHeight is the absolute height after which the user
	// may refund themselves.
	TimeoutBlockHeight uint32

	// HtlcConfirmations is the number of confirmations required before
	// the lockup is considered final when zero-conf was declined.
	HtlcConfirmations uint32

	// Status is the swap's current position in the submarine state
	// machine.
	Status SwapState

	// Lockup is the observed funding transaction, if any.
	Lockup *TransactionInfo

	// MinerFee is the fee paid by the claim transaction, once known.
	MinerFee btcutil.Amount

	// PercentageFee is the service's fee for the swap, in satoshis.
	PercentageFee btcutil.Amount

	// CreationHeight is the chain tip at swap creation, used as the
	// rescan floor on recovery.
	CreationHeight uint32

	// Label is an optional caller-supplied annotation, validated against
	// labels.Validate at creation.
	Label string
}

// ReverseSwap is a reverse submarine swap: the service pays on-chain, the
// user pays a Lightning invoice.
type ReverseSwap struct {
	// ID uniquely identifies the swap.
	ID lntypes.Hash

	Pair      string
	OrderSide OrderSide

	// PreimageHash is the hash of Preimage, committing the hold-invoice.
	PreimageHash lntypes.Hash

	// Preimage is nil until the user reveals it by claiming on-chain.
	Preimage *lntypes.Preimage

	// ClaimPublicKey is the public key the user supplied to receive the
	// on-chain funds.
	ClaimPublicKey [33]byte

	RedeemScript  []byte
	LockupAddress string
	OutputType    swap.HtlcOutputType
	KeyIndex      uint32

	OnchainAmount btcutil.Amount
	InvoiceAmount btcutil.Amount

	TimeoutBlockHeight uint32
	HtlcConfirmations  uint32

	Status ReverseSwapState

	// Lockup is the service's own funding transaction.
	Lockup *TransactionInfo

	MinerFee      btcutil.Amount
	PercentageFee btcutil.Amount

	CreationHeight uint32

	// Label is an optional caller-supplied annotation, validated against
	// labels.Validate at creation.
	Label string
}

// SwapStore is the persistence interface the nursery consumes. Every
// transition it exposes is applied atomically: status and any side data
// are written together in a single store-level transaction, and writes are
// idempotent on (id, targetStatus).
type SwapStore interface {
	// CreateSwap persists a newly created submarine swap. It fails if
	// ID or PreimageHash is already in use.
	CreateSwap(ctx context.Context, s *Swap) error

	// CreateReverseSwap persists a newly created reverse swap. It fails
	// if ID or PreimageHash is already in use.
	CreateReverseSwap(ctx context.Context, s *ReverseSwap) error

	// UpdateSwap applies a status transition (and any side data) to an
	// existing submarine swap in a single transaction. Applying the same
	// (id, targetStatus) pair twice is a no-op.
	UpdateSwap(ctx context.Context, s *Swap) error

	// UpdateReverseSwap applies a status transition to an existing
	// reverse swap.
	UpdateReverseSwap(ctx context.Context, s *ReverseSwap) error

	// GetSwapByID looks up a submarine swap by its primary key.
	GetSwapByID(ctx context.Context, id lntypes.Hash) (*Swap, error)

	// GetSwapByPreimageHash looks up a submarine swap by its unique
	// secondary index.
	GetSwapByPreimageHash(ctx context.Context, hash lntypes.Hash) (*Swap, error)

	// GetSwapByLockupAddress looks up a submarine swap by its lockup
	// address secondary index.
	GetSwapByLockupAddress(ctx context.Context, addr string) (*Swap, error)

	// GetSwapByInvoice looks up a submarine swap by its Lightning
	// invoice string.
	GetSwapByInvoice(ctx context.Context, invoice string) (*Swap, error)

	// GetPendingSwaps returns every submarine swap whose status is not
	// in the terminal set.
	GetPendingSwaps(ctx context.Context) ([]*Swap, error)

	// GetReverseSwapByID looks up a reverse swap by its primary key.
	GetReverseSwapByID(ctx context.Context, id lntypes.Hash) (*ReverseSwap, error)

	// GetReverseSwapByPreimageHash looks up a reverse swap by its unique
	// secondary index.
	GetReverseSwapByPreimageHash(ctx context.Context, hash lntypes.Hash) (*ReverseSwap, error)

	// GetReverseSwapByLockupAddress looks up a reverse swap by its
	// lockup address secondary index.
	GetReverseSwapByLockupAddress(ctx context.Context, addr string) (*ReverseSwap, error)

	// GetPendingReverseSwaps returns every reverse swap whose status is
	// not in the terminal set.
	GetPendingReverseSwaps(ctx context.Context) ([]*ReverseSwap, error)

	// Close releases any resources held by the store.
	Close() error
}
