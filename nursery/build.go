package nursery

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/feeoracle"
	"github.com/btcswap/nursery/labels"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
)

// txHex serializes tx for inclusion in a swap.update notification, mirroring
// sweepbatcher's own serialize-for-logging pattern. It returns the empty
// string rather than an error, since a notification missing the raw hex is
// preferable to dropping the notification entirely.
func txHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		log.Errorf("serializing tx %v for notification: %v", tx.TxHash(), err)
		return ""
	}

	return hex.EncodeToString(buf.Bytes())
}

// defaultCltvExpiryDelta is the fallback claim/refund window applied when a
// request doesn't specify one, expressed in blocks.
const defaultCltvExpiryDelta = 144

// newSwapID generates the opaque identifier a swap or reverse swap is keyed
// by, independent of its PreimageHash: the two are unrelated invariants (id
// is unique across both tables, PreimageHash determines invoice<->swap
// linkage) and must not collapse onto the same value. Generated the same
// way loopin.go generates a fresh swap preimage, via crypto/rand.
func newSwapID() (lntypes.Hash, error) {
	var id lntypes.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating swap id: %w", err)
	}
	return id, nil
}

// SwapRequest describes a new submarine swap: the counterparty funds the
// returned lockup address on-chain, and the nursery pays req.Invoice once
// that lockup is accepted.
type SwapRequest struct {
	Pair              string
	OrderSide         store.OrderSide
	Invoice           string
	PreimageHash      lntypes.Hash
	RefundPublicKey   [33]byte
	OutputType        swap.HtlcOutputType
	ExpectedAmount    btcutil.Amount
	AcceptZeroConf    bool
	HtlcConfirmations uint32
	CltvExpiryDelta   int32

	// Quote is the Fee & Rate Oracle's priced offer for Pair, used to
	// derive the service fee charged against ExpectedAmount.
	Quote *feeoracle.Quote

	// Label is an optional caller-supplied annotation, validated against
	// labels.Validate before the swap is created.
	Label string
}

// ReverseSwapRequest describes a new reverse swap: the nursery funds an
// on-chain lockup paying req.ClaimPublicKey as soon as the swap is created,
// and the counterparty pays a hold invoice for PreimageHash.
type ReverseSwapRequest struct {
	Pair              string
	OrderSide         store.OrderSide
	PreimageHash      lntypes.Hash
	ClaimPublicKey    [33]byte
	OutputType        swap.HtlcOutputType
	OnchainAmount     btcutil.Amount
	InvoiceAmount     btcutil.Amount
	HtlcConfirmations uint32
	CltvExpiryDelta   int32

	// Quote is the Fee & Rate Oracle's priced offer for Pair, used to
	// derive the service fee charged against InvoiceAmount.
	Quote *feeoracle.Quote

	// Label is an optional caller-supplied annotation, validated against
	// labels.Validate before the swap is created.
	Label string
}

// buildSwap derives the nursery's claim key, constructs the htlc backing a
// new submarine swap, and assembles the store.Swap record ready for
// persistence. It does not persist anything itself.
func buildSwap(ctx context.Context, cfg *Config, height int32,
	req *SwapRequest) (*store.Swap, *swap.Htlc, error) {

	if err := labels.Validate(req.Label); err != nil {
		return nil, nil, fmt.Errorf("invalid label: %w", err)
	}

	swapFee := swap.CalcFee(
		req.ExpectedAmount, req.Quote.BaseFee, req.Quote.PercentageFee,
	)

	invoiceAmt, err := swap.GetInvoiceAmt(cfg.ChainParams, req.Invoice)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding invoice amount: %w", err)
	}

	if invoiceAmt > req.ExpectedAmount-swapFee {
		return nil, nil, fmt.Errorf("invoice amount %v exceeds on-chain "+
			"amount %v net of swap fee %v", invoiceAmt,
			req.ExpectedAmount, swapFee)
	}

	keyDesc, err := cfg.Wallet.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving claim key: %w", err)
	}

	var receiverKey [33]byte
	copy(receiverKey[:], keyDesc.PubKey.SerializeCompressed())

	delta := req.CltvExpiryDelta
	if delta == 0 {
		delta = defaultCltvExpiryDelta
	}
	cltvExpiry := height + delta

	htlc, err := swap.NewHtlc(
		swap.HtlcV2, cltvExpiry, req.RefundPublicKey, receiverKey, nil,
		req.PreimageHash, req.OutputType, cfg.ChainParams,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing htlc: %w", err)
	}

	id, err := newSwapID()
	if err != nil {
		return nil, nil, err
	}

	s := &store.Swap{
		ID:                 id,
		Pair:               req.Pair,
		OrderSide:          req.OrderSide,
		Invoice:            req.Invoice,
		PreimageHash:       req.PreimageHash,
		RefundPublicKey:    req.RefundPublicKey,
		RedeemScript:       htlc.SuccessScript(),
		LockupAddress:      htlc.Address.String(),
		OutputType:         req.OutputType,
		KeyIndex:           keyDesc.KeyLocator.Index,
		ExpectedAmount:     req.ExpectedAmount,
		AcceptZeroConf:     req.AcceptZeroConf,
		TimeoutBlockHeight: uint32(cltvExpiry),
		HtlcConfirmations:  req.HtlcConfirmations,
		Status:             store.StateCreated,
		PercentageFee:      swapFee,
		CreationHeight:     uint32(height),
		Label:              req.Label,
	}

	return s, htlc, nil
}

// buildReverseSwap derives the nursery's refund key, constructs the htlc
// backing a new reverse swap, and assembles the store.ReverseSwap record
// ready for persistence.
func buildReverseSwap(ctx context.Context, cfg *Config, height int32,
	req *ReverseSwapRequest) (*store.ReverseSwap, *swap.Htlc, error) {

	if err := labels.Validate(req.Label); err != nil {
		return nil, nil, fmt.Errorf("invalid label: %w", err)
	}

	swapFee := swap.CalcFee(
		req.InvoiceAmount, req.Quote.BaseFee, req.Quote.PercentageFee,
	)

	if req.OnchainAmount > req.InvoiceAmount-swapFee {
		return nil, nil, fmt.Errorf("on-chain amount %v exceeds invoice "+
			"amount %v net of swap fee %v", req.OnchainAmount,
			req.InvoiceAmount, swapFee)
	}

	keyDesc, err := cfg.Wallet.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving refund key: %w", err)
	}

	var senderKey [33]byte
	copy(senderKey[:], keyDesc.PubKey.SerializeCompressed())

	delta := req.CltvExpiryDelta
	if delta == 0 {
		delta = defaultCltvExpiryDelta
	}
	cltvExpiry := height + delta

	htlc, err := swap.NewHtlc(
		swap.HtlcV2, cltvExpiry, senderKey, req.ClaimPublicKey, nil,
		req.PreimageHash, req.OutputType, cfg.ChainParams,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing htlc: %w", err)
	}

	id, err := newSwapID()
	if err != nil {
		return nil, nil, err
	}

	s := &store.ReverseSwap{
		ID:                 id,
		Pair:               req.Pair,
		OrderSide:          req.OrderSide,
		PreimageHash:       req.PreimageHash,
		ClaimPublicKey:     req.ClaimPublicKey,
		RedeemScript:       htlc.SuccessScript(),
		LockupAddress:      htlc.Address.String(),
		OutputType:         req.OutputType,
		KeyIndex:           keyDesc.KeyLocator.Index,
		OnchainAmount:      req.OnchainAmount,
		InvoiceAmount:      req.InvoiceAmount,
		TimeoutBlockHeight: uint32(cltvExpiry),
		HtlcConfirmations:  req.HtlcConfirmations,
		Status:             store.ReverseStateCreated,
		PercentageFee:      swapFee,
		CreationHeight:     uint32(height),
		Label:              req.Label,
	}

	return s, htlc, nil
}

// rebuildHtlc reconstructs the htlc backing a persisted swap from its
// stored key index and counterparty key, for use after a restart when the
// nursery no longer has the original swap.Htlc value in memory.
func rebuildHtlc(cfg *Config, keyIndex uint32, senderKey,
	receiverKey [33]byte, hash lntypes.Hash,
	outputType swap.HtlcOutputType, timeoutHeight int32) (*swap.Htlc, error) {

	return swap.NewHtlc(
		swap.HtlcV2, timeoutHeight, senderKey, receiverKey, nil, hash,
		outputType, cfg.ChainParams,
	)
}

// findLockupOutput locates the output of tx paying pkScript, returning its
// index and value.
func findLockupOutput(tx *wire.MsgTx, pkScript []byte) (uint32, btcutil.Amount, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), btcutil.Amount(out.Value), true
		}
	}
	return 0, 0, false
}

// pkScriptKey normalizes a pkScript into the map key used by the lockup
// index, matching the hex encoding chainobserver's filter set uses
// internally.
func pkScriptKey(pkScript []byte) string {
	return hex.EncodeToString(pkScript)
}

// addressToPkScript decodes a bech32/base58 address string back into its
// scriptPubKey, so a persisted LockupAddress can be re-registered with the
// chain observer on recovery.
func addressToPkScript(addr string, params *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(a)
}

// keyDescriptorFor rebuilds the keychain.KeyDescriptor a signer needs from
// a swap's persisted key index.
func keyDescriptorFor(cfg *Config, keyIndex uint32) keychain.KeyDescriptor {
	return keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{
			Family: keychain.KeyFamily(swap.KeyFamily),
			Index:  keyIndex,
		},
	}
}
