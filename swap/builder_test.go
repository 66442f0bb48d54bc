package swap

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/internal/testutil"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// testHtlcFixture bundles a P2WSH HTLC V2 and the raw-signature signer
// closures BuildClaimTransaction/BuildRefundTransaction expect, mirroring
// TestHtlcV2's setup in htlc_test.go.
type testHtlcFixture struct {
	htlc     *Htlc
	preimage lntypes.Preimage

	receiverSign func(tx *wire.MsgTx) ([]byte, error)
	senderSign   func(tx *wire.MsgTx) ([]byte, error)
}

func buildTestHtlc(t *testing.T, cltvExpiry int32,
	lockupValue btcutil.Amount) *testHtlcFixture {

	t.Helper()

	preimage := lntypes.Preimage([32]byte{1, 2, 3})
	hash := sha256.Sum256(preimage[:])

	senderPrivKey, senderPubKey := testutil.CreateKey(1)
	receiverPrivKey, receiverPubKey := testutil.CreateKey(2)

	var senderKey, receiverKey [33]byte
	copy(senderKey[:], senderPubKey.SerializeCompressed())
	copy(receiverKey[:], receiverPubKey.SerializeCompressed())

	htlc, err := NewHtlc(
		HtlcV2, cltvExpiry, senderKey, receiverKey, nil, hash,
		HtlcP2WSH, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	htlcOutput := &wire.TxOut{
		Value:    int64(lockupValue),
		PkScript: htlc.PkScript,
	}

	sign := func(pubKey *btcec.PublicKey,
		privKey *btcec.PrivateKey) func(*wire.MsgTx) ([]byte, error) {

		signer := &input.MockSigner{Privkeys: []*btcec.PrivateKey{privKey}}

		return func(tx *wire.MsgTx) ([]byte, error) {
			sig, err := signer.SignOutputRaw(tx, &input.SignDescriptor{
				KeyDesc: keychain.KeyDescriptor{
					PubKey: pubKey,
				},
				WitnessScript: htlc.SuccessScript(),
				Output:        htlcOutput,
				HashType:      txscript.SigHashAll,
				SigHashes:     txscript.NewTxSigHashes(tx),
				InputIndex:    0,
			})
			if err != nil {
				return nil, err
			}

			return sig.Serialize(), nil
		}
	}

	return &testHtlcFixture{
		htlc:         htlc,
		preimage:     preimage,
		receiverSign: sign(receiverPubKey, receiverPrivKey),
		senderSign:   sign(senderPubKey, senderPrivKey),
	}
}

func destPkScript(t *testing.T) []byte {
	t.Helper()

	_, pubKey := testutil.CreateKey(99)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()),
		&chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return pkScript
}

func TestBuildClaimTransactionSweepsExpectedValue(t *testing.T) {
	const lockupValue = btcutil.Amount(1_000_000)

	fixture := buildTestHtlc(t, 800_000, lockupValue)

	req := &SweepRequest{
		Htlc:           fixture.htlc,
		LockupOutpoint: wire.OutPoint{Index: 0},
		LockupValue:    lockupValue,
		DestPkScript:   destPkScript(t),
		FeeRate:        btcutil.Amount(chainfeeSatPerKWeightFloor),
	}

	tx, err := BuildClaimTransaction(
		req, fixture.preimage, fixture.receiverSign,
	)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	require.Less(t, tx.TxOut[0].Value, int64(lockupValue))
	require.Greater(t, tx.TxOut[0].Value, int64(0))
}

func TestBuildRefundTransactionSetsTimeoutLockTime(t *testing.T) {
	const lockupValue = btcutil.Amount(1_000_000)
	const cltvExpiry = 800_000

	fixture := buildTestHtlc(t, cltvExpiry, lockupValue)

	req := &SweepRequest{
		Htlc:           fixture.htlc,
		LockupOutpoint: wire.OutPoint{Index: 0},
		LockupValue:    lockupValue,
		DestPkScript:   destPkScript(t),
		FeeRate:        btcutil.Amount(chainfeeSatPerKWeightFloor),
		TimeoutHeight:  cltvExpiry,
	}

	tx, err := BuildRefundTransaction(req, fixture.senderSign)
	require.NoError(t, err)
	require.Equal(t, uint32(cltvExpiry), tx.LockTime)
	require.Equal(t, refundSequence, tx.TxIn[0].Sequence)
}

func TestBuildSweepTransactionRejectsDustOutput(t *testing.T) {
	const lockupValue = btcutil.Amount(400)

	fixture := buildTestHtlc(t, 800_000, lockupValue)

	req := &SweepRequest{
		Htlc:           fixture.htlc,
		LockupOutpoint: wire.OutPoint{Index: 0},
		LockupValue:    lockupValue,
		DestPkScript:   destPkScript(t),
		FeeRate:        btcutil.Amount(chainfeeSatPerKWeightFloor),
	}

	_, err := BuildClaimTransaction(req, fixture.preimage, fixture.receiverSign)
	require.Error(t, err)
}

func TestEstimateSweepFeeEnforcesMinFeeRate(t *testing.T) {
	fixture := buildTestHtlc(t, 800_000, btcutil.Amount(1_000_000))

	fee, err := EstimateSweepFee(fixture.htlc, 0, true)
	require.NoError(t, err)
	require.Greater(t, fee, btcutil.Amount(0))
}
