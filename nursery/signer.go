package nursery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/swap"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
)

// sweepSigner produces the single signature swap.BuildClaimTransaction and
// swap.BuildRefundTransaction need, grounded on sweep.Sweeper's
// SignOutputRaw call in the teacher.
type sweepSigner struct {
	ctx     context.Context
	signer  lndclient.SignerClient
	htlc    *swap.Htlc
	value   int64
	keyDesc keychain.KeyDescriptor
	claim   bool
}

func (s *sweepSigner) sign(tx *wire.MsgTx) ([]byte, error) {
	witnessScript := s.htlc.TimeoutScript()
	if s.claim {
		witnessScript = s.htlc.SuccessScript()
	}

	signDesc := &input.SignDescriptor{
		WitnessScript: witnessScript,
		Output: &wire.TxOut{
			Value:    s.value,
			PkScript: s.htlc.PkScript,
		},
		HashType:   s.htlc.SigHash(),
		InputIndex: 0,
		KeyDesc:    s.keyDesc,
	}

	sigs, err := s.signer.SignOutputRaw(
		s.ctx, tx, []*input.SignDescriptor{signDesc},
	)
	if err != nil {
		return nil, fmt.Errorf("signing sweep: %w", err)
	}

	return sigs[0], nil
}

// newSweepSigner builds a signer closure bound to htlc/value/keyDesc, ready
// to hand to swap.BuildClaimTransaction (claim=true) or
// swap.BuildRefundTransaction (claim=false).
func newSweepSigner(ctx context.Context, signer lndclient.SignerClient,
	htlc *swap.Htlc, value int64, keyDesc keychain.KeyDescriptor,
	claim bool) func(tx *wire.MsgTx) ([]byte, error) {

	s := &sweepSigner{
		ctx: ctx, signer: signer, htlc: htlc, value: value,
		keyDesc: keyDesc, claim: claim,
	}

	return s.sign
}
