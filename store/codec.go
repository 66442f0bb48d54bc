package store

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcswap/nursery/swap"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV types for the swap contract record. The contract is the immutable
// half of a swap: everything fixed at creation time. Using tlv.Stream
// rather than loopdb's hand-rolled binary.Write codec means a future field
// can be appended without a schema migration — unknown odd types are
// simply skipped by older readers.
const (
	typePair               tlv.Type = 0
	typeOrderSide          tlv.Type = 1
	typeInvoice            tlv.Type = 2
	typePreimageHash       tlv.Type = 3
	typeRedeemScript       tlv.Type = 4
	typeLockupAddress      tlv.Type = 5
	typeOutputType         tlv.Type = 6
	typeKeyIndex           tlv.Type = 7
	typeExpectedAmount     tlv.Type = 8
	typeAcceptZeroConf     tlv.Type = 9
	typeTimeoutBlockHeight tlv.Type = 10
	typeHtlcConfirmations  tlv.Type = 11
	typePercentageFee      tlv.Type = 12
	typeCreationHeight     tlv.Type = 13
	typeRefundPubKey       tlv.Type = 14
	typeLabel              tlv.Type = 15

	// Reverse-swap-only fields continue the same type space; a
	// submarine record simply never encodes them.
	typePreimage      tlv.Type = 20
	typeClaimPubKey   tlv.Type = 21
	typeOnchainAmount tlv.Type = 22
	typeInvoiceAmount tlv.Type = 23
	typeReverseLabel  tlv.Type = 24
)

func uint8Encoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*uint8)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "uint8")
	}
	buf[0] = *v
	_, err := w.Write(buf[:1])
	return err
}

func uint8Decoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	v, ok := val.(*uint8)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "uint8", l, 1)
	}
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return err
	}
	*v = buf[0]
	return nil
}

func boolEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*bool)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "bool")
	}
	var b uint8
	if *v {
		b = 1
	}
	buf[0] = b
	_, err := w.Write(buf[:1])
	return err
}

func boolDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	v, ok := val.(*bool)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "bool", l, 1)
	}
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return err
	}
	*v = buf[0] != 0
	return nil
}

func amountEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*btcutil.Amount)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "btcutil.Amount")
	}
	i := uint64(*v)
	return tlv.EUint64(w, &i, buf)
}

func amountDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	v, ok := val.(*btcutil.Amount)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "btcutil.Amount", l, 8)
	}
	var i uint64
	if err := tlv.DUint64(r, &i, buf, 8); err != nil {
		return err
	}
	*v = btcutil.Amount(i)
	return nil
}

// EncodeSwapContract serializes the immutable half of a submarine swap.
func EncodeSwapContract(s *Swap) ([]byte, error) {
	orderSide := uint8(s.OrderSide)
	outputType := uint8(s.OutputType)
	preimageHash := s.PreimageHash[:]
	refundPubKey := s.RefundPublicKey[:]
	acceptZeroConf := s.AcceptZeroConf

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePair, &s.Pair),
		tlv.MakeStaticRecord(
			typeOrderSide, &orderSide, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeInvoice, &s.Invoice),
		tlv.MakePrimitiveRecord(typePreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typeRefundPubKey, &refundPubKey),
		tlv.MakePrimitiveRecord(typeRedeemScript, &s.RedeemScript),
		tlv.MakePrimitiveRecord(typeLockupAddress, &s.LockupAddress),
		tlv.MakeStaticRecord(
			typeOutputType, &outputType, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeKeyIndex, &s.KeyIndex),
		tlv.MakeStaticRecord(
			typeExpectedAmount, &s.ExpectedAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakeStaticRecord(
			typeAcceptZeroConf, &acceptZeroConf, 1, boolEncoder,
			boolDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeTimeoutBlockHeight, &s.TimeoutBlockHeight,
		),
		tlv.MakePrimitiveRecord(
			typeHtlcConfirmations, &s.HtlcConfirmations,
		),
		tlv.MakeStaticRecord(
			typePercentageFee, &s.PercentageFee, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(typeCreationHeight, &s.CreationHeight),
		tlv.MakePrimitiveRecord(typeLabel, &s.Label),
	}

	tlv.SortRecords(records)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeSwapContract deserializes the immutable half of a submarine swap
// into a freshly allocated Swap, with ID left unset (the caller fills it
// in from the bucket key).
func DecodeSwapContract(data []byte) (*Swap, error) {
	s := &Swap{}

	var (
		orderSide      uint8
		outputType     uint8
		preimageHash   []byte
		refundPubKey   []byte
		acceptZeroConf bool
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePair, &s.Pair),
		tlv.MakeStaticRecord(
			typeOrderSide, &orderSide, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeInvoice, &s.Invoice),
		tlv.MakePrimitiveRecord(typePreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typeRefundPubKey, &refundPubKey),
		tlv.MakePrimitiveRecord(typeRedeemScript, &s.RedeemScript),
		tlv.MakePrimitiveRecord(typeLockupAddress, &s.LockupAddress),
		tlv.MakeStaticRecord(
			typeOutputType, &outputType, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeKeyIndex, &s.KeyIndex),
		tlv.MakeStaticRecord(
			typeExpectedAmount, &s.ExpectedAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakeStaticRecord(
			typeAcceptZeroConf, &acceptZeroConf, 1, boolEncoder,
			boolDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeTimeoutBlockHeight, &s.TimeoutBlockHeight,
		),
		tlv.MakePrimitiveRecord(
			typeHtlcConfirmations, &s.HtlcConfirmations,
		),
		tlv.MakeStaticRecord(
			typePercentageFee, &s.PercentageFee, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(typeCreationHeight, &s.CreationHeight),
		tlv.MakePrimitiveRecord(typeLabel, &s.Label),
	}

	tlv.SortRecords(records)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	s.OrderSide = OrderSide(orderSide)
	s.OutputType = swap.HtlcOutputType(outputType)
	s.AcceptZeroConf = acceptZeroConf
	copy(s.PreimageHash[:], preimageHash)
	copy(s.RefundPublicKey[:], refundPubKey)

	return s, nil
}

// EncodeReverseSwapContract serializes the immutable half of a reverse
// swap.
func EncodeReverseSwapContract(s *ReverseSwap) ([]byte, error) {
	orderSide := uint8(s.OrderSide)
	outputType := uint8(s.OutputType)
	preimageHash := s.PreimageHash[:]
	claimPubKey := s.ClaimPublicKey[:]

	var preimage []byte
	if s.Preimage != nil {
		preimage = s.Preimage[:]
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePair, &s.Pair),
		tlv.MakeStaticRecord(
			typeOrderSide, &orderSide, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typePreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typePreimage, &preimage),
		tlv.MakePrimitiveRecord(typeClaimPubKey, &claimPubKey),
		tlv.MakePrimitiveRecord(typeRedeemScript, &s.RedeemScript),
		tlv.MakePrimitiveRecord(typeLockupAddress, &s.LockupAddress),
		tlv.MakeStaticRecord(
			typeOutputType, &outputType, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeKeyIndex, &s.KeyIndex),
		tlv.MakeStaticRecord(
			typeOnchainAmount, &s.OnchainAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakeStaticRecord(
			typeInvoiceAmount, &s.InvoiceAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeTimeoutBlockHeight, &s.TimeoutBlockHeight,
		),
		tlv.MakePrimitiveRecord(
			typeHtlcConfirmations, &s.HtlcConfirmations,
		),
		tlv.MakeStaticRecord(
			typePercentageFee, &s.PercentageFee, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(typeCreationHeight, &s.CreationHeight),
		tlv.MakePrimitiveRecord(typeReverseLabel, &s.Label),
	}

	tlv.SortRecords(records)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeReverseSwapContract deserializes the immutable half of a reverse
// swap.
func DecodeReverseSwapContract(data []byte) (*ReverseSwap, error) {
	s := &ReverseSwap{}

	var (
		orderSide    uint8
		outputType   uint8
		preimageHash []byte
		preimage     []byte
		claimPubKey  []byte
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePair, &s.Pair),
		tlv.MakeStaticRecord(
			typeOrderSide, &orderSide, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typePreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typePreimage, &preimage),
		tlv.MakePrimitiveRecord(typeClaimPubKey, &claimPubKey),
		tlv.MakePrimitiveRecord(typeRedeemScript, &s.RedeemScript),
		tlv.MakePrimitiveRecord(typeLockupAddress, &s.LockupAddress),
		tlv.MakeStaticRecord(
			typeOutputType, &outputType, 1, uint8Encoder, uint8Decoder,
		),
		tlv.MakePrimitiveRecord(typeKeyIndex, &s.KeyIndex),
		tlv.MakeStaticRecord(
			typeOnchainAmount, &s.OnchainAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakeStaticRecord(
			typeInvoiceAmount, &s.InvoiceAmount, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(
			typeTimeoutBlockHeight, &s.TimeoutBlockHeight,
		),
		tlv.MakePrimitiveRecord(
			typeHtlcConfirmations, &s.HtlcConfirmations,
		),
		tlv.MakeStaticRecord(
			typePercentageFee, &s.PercentageFee, 8, amountEncoder,
			amountDecoder,
		),
		tlv.MakePrimitiveRecord(typeCreationHeight, &s.CreationHeight),
		tlv.MakePrimitiveRecord(typeReverseLabel, &s.Label),
	}

	tlv.SortRecords(records)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	s.OrderSide = OrderSide(orderSide)
	s.OutputType = swap.HtlcOutputType(outputType)
	copy(s.PreimageHash[:], preimageHash)
	copy(s.ClaimPublicKey[:], claimPubKey)
	if len(preimage) == lntypes.HashSize {
		var p lntypes.Preimage
		copy(p[:], preimage)
		s.Preimage = &p
	}

	return s, nil
}
