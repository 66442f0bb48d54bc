package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// EncodeInvoice builds and signs a zpay32 invoice for amt against params,
// the same construction swap/fees_test.go's encodeTestInvoice uses to
// fabricate a test payment request, generalized to take the params and
// payment hash a caller needs.
func EncodeInvoice(t *testing.T, params *chaincfg.Params,
	hash lntypes.Hash, amt btcutil.Amount) string {

	t.Helper()

	privKey, _ := CreateKey(5)

	invoice, err := zpay32.NewInvoice(
		params, hash, time.Unix(1_600_000_000, 0),
		zpay32.Description("test invoice"),
		zpay32.Amount(lnwire.MilliSatoshi(1000*amt)),
	)
	if err != nil {
		t.Fatalf("building test invoice: %v", err)
	}

	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			sig, err := ecdsa.SignCompact(privKey, hash, true)
			if err != nil {
				return nil, fmt.Errorf("can't sign the hash: %w", err)
			}
			return sig, nil
		},
	})
	if err != nil {
		t.Fatalf("encoding test invoice: %v", err)
	}

	return payReq
}
