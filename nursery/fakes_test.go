package nursery

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/chainobserver"
	"github.com/btcswap/nursery/feeoracle"
	"github.com/btcswap/nursery/internal/testutil"
	"github.com/btcswap/nursery/store"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// fakeWallet implements the handful of lndclient.WalletKitClient methods the
// nursery actually calls, embedding the real interface (as a nil value) so
// any method this module doesn't exercise still satisfies the interface and
// panics loudly if ever reached, the same trick
// staticaddr/openchannel/manager_test.go's mockWalletKit uses.
type fakeWallet struct {
	lndclient.WalletKitClient

	mu       sync.Mutex
	keyIndex uint32

	feeRate   chainfee.SatPerKWeight
	published []*wire.MsgTx
	sendErr   error
	pubErr    error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{feeRate: 10_000}
}

func (w *fakeWallet) DeriveNextKey(_ context.Context, family int32) (
	*keychain.KeyDescriptor, error) {

	w.mu.Lock()
	index := w.keyIndex
	w.keyIndex++
	w.mu.Unlock()

	_, pubKey := testutil.CreateKey(int32(index))

	return &keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{
			Family: keychain.KeyFamily(family),
			Index:  index,
		},
		PubKey: pubKey,
	}, nil
}

func (w *fakeWallet) DeriveKey(_ context.Context, loc *keychain.KeyLocator) (
	*keychain.KeyDescriptor, error) {

	_, pubKey := testutil.CreateKey(int32(loc.Index))

	return &keychain.KeyDescriptor{
		KeyLocator: *loc,
		PubKey:     pubKey,
	}, nil
}

func (w *fakeWallet) NextAddr(context.Context) (btcutil.Address, error) {
	return btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
}

func (w *fakeWallet) PublishTransaction(_ context.Context, tx *wire.MsgTx) error {
	if w.pubErr != nil {
		return w.pubErr
	}

	w.mu.Lock()
	w.published = append(w.published, tx)
	w.mu.Unlock()

	return nil
}

func (w *fakeWallet) EstimateFee(context.Context, int32) (
	chainfee.SatPerKWeight, error) {

	return w.feeRate, nil
}

func (w *fakeWallet) SendOutputs(_ context.Context, outputs []*wire.TxOut,
	_ chainfee.SatPerKWeight) (*wire.MsgTx, error) {

	if w.sendErr != nil {
		return nil, w.sendErr
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	w.mu.Lock()
	w.published = append(w.published, tx)
	w.mu.Unlock()

	return tx, nil
}

// fakeSigner implements lndclient.SignerClient's SignOutputRaw by delegating
// to input.MockSigner, the same lnd-provided test signer swap/builder_test.go
// already uses to exercise the real claim/refund witness construction.
type fakeSigner struct {
	lndclient.SignerClient

	keys map[uint32]*btcec.PrivateKey
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{keys: make(map[uint32]*btcec.PrivateKey)}
}

// registerKey associates keyIndex with the deterministic private key
// testutil.CreateKey(keyIndex) derives, so SignOutputRaw can sign with the
// same key fakeWallet.DeriveKey/DeriveNextKey handed out.
func (s *fakeSigner) registerKey(keyIndex uint32) {
	priv, _ := testutil.CreateKey(int32(keyIndex))
	s.keys[keyIndex] = priv
}

func (s *fakeSigner) SignOutputRaw(_ context.Context, tx *wire.MsgTx,
	signDescs []*input.SignDescriptor) ([][]byte, error) {

	sigs := make([][]byte, len(signDescs))

	for i, d := range signDescs {
		priv, ok := s.keys[d.KeyDesc.KeyLocator.Index]
		if !ok {
			return nil, fmt.Errorf("no key registered for index %v",
				d.KeyDesc.KeyLocator.Index)
		}

		mockSigner := &input.MockSigner{Privkeys: []*btcec.PrivateKey{priv}}

		d.SigHashes = txscript.NewTxSigHashes(tx)

		sig, err := mockSigner.SignOutputRaw(tx, d)
		if err != nil {
			return nil, err
		}

		sigs[i] = sig.Serialize()
	}

	return sigs, nil
}

// fakeFeeOracle is a fixed-answer feeoracle.FeeRateOracle.
type fakeFeeOracle struct {
	feeRate btcutil.Amount
	riskCap btcutil.Amount
}

func (f *fakeFeeOracle) ChainFeeRate(int32) (btcutil.Amount, error) {
	return f.feeRate, nil
}

func (f *fakeFeeOracle) RiskCap(feeoracle.Pair) (btcutil.Amount, error) {
	return f.riskCap, nil
}

// fakeObserver is a fully hand-rolled chainobserver.Observer: the interface
// is small and module-owned, so there's no embedding trick needed, unlike
// the lndclient fakes above.
type fakeObserver struct {
	mu sync.Mutex

	started bool
	height  int32

	watchedOutputs map[string]struct{}
	watchedInputs  map[wire.OutPoint]struct{}

	txChan    chan *chainobserver.TxEvent
	blockChan chan *chainobserver.BlockEvent
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{
		watchedOutputs: make(map[string]struct{}),
		watchedInputs:  make(map[wire.OutPoint]struct{}),
		txChan:         make(chan *chainobserver.TxEvent, 100),
		blockChan:      make(chan *chainobserver.BlockEvent, 100),
	}
}

func (o *fakeObserver) Start(startHeight int32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = true
	o.height = startHeight
	return nil
}

func (o *fakeObserver) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = false
}

func (o *fakeObserver) Transactions() <-chan *chainobserver.TxEvent {
	return o.txChan
}

func (o *fakeObserver) Blocks() <-chan *chainobserver.BlockEvent {
	return o.blockChan
}

func (o *fakeObserver) WatchOutput(pkScript []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchedOutputs[string(pkScript)] = struct{}{}
}

func (o *fakeObserver) UnwatchOutput(pkScript []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.watchedOutputs, string(pkScript))
}

func (o *fakeObserver) WatchInput(outpoint wire.OutPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchedInputs[outpoint] = struct{}{}
}

func (o *fakeObserver) UnwatchInput(outpoint wire.OutPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.watchedInputs, outpoint)
}

// sendTx delivers a TxEvent on the fake observer's Transactions channel.
func (o *fakeObserver) sendTx(evt *chainobserver.TxEvent) {
	o.txChan <- evt
}

// sendBlock delivers a BlockEvent on the fake observer's Blocks channel.
func (o *fakeObserver) sendBlock(evt *chainobserver.BlockEvent) {
	o.blockChan <- evt
}

// fakeStore is a minimal in-memory store.SwapStore, fully hand-written since
// the interface is module-owned and small enough not to need the embedding
// trick.
type fakeStore struct {
	mu sync.Mutex

	swaps        map[lntypes.Hash]*store.Swap
	reverseSwaps map[lntypes.Hash]*store.ReverseSwap
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		swaps:        make(map[lntypes.Hash]*store.Swap),
		reverseSwaps: make(map[lntypes.Hash]*store.ReverseSwap),
	}
}

func (s *fakeStore) CreateSwap(_ context.Context, sw *store.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.swaps[sw.ID]; ok {
		return fmt.Errorf("swap %v already exists", sw.ID)
	}
	cp := *sw
	s.swaps[sw.ID] = &cp
	return nil
}

func (s *fakeStore) CreateReverseSwap(_ context.Context, sw *store.ReverseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reverseSwaps[sw.ID]; ok {
		return fmt.Errorf("reverse swap %v already exists", sw.ID)
	}
	cp := *sw
	s.reverseSwaps[sw.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateSwap(_ context.Context, sw *store.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sw
	s.swaps[sw.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateReverseSwap(_ context.Context, sw *store.ReverseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sw
	s.reverseSwaps[sw.ID] = &cp
	return nil
}

func (s *fakeStore) GetSwapByID(_ context.Context, id lntypes.Hash) (*store.Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swaps[id]
	if !ok {
		return nil, fmt.Errorf("swap %v not found", id)
	}
	cp := *sw
	return &cp, nil
}

func (s *fakeStore) GetSwapByPreimageHash(_ context.Context,
	hash lntypes.Hash) (*store.Swap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sw := range s.swaps {
		if sw.PreimageHash == hash {
			cp := *sw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("swap with preimage hash %v not found", hash)
}

func (s *fakeStore) GetSwapByLockupAddress(_ context.Context,
	addr string) (*store.Swap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sw := range s.swaps {
		if sw.LockupAddress == addr {
			cp := *sw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("swap with lockup address %v not found", addr)
}

func (s *fakeStore) GetSwapByInvoice(_ context.Context,
	invoice string) (*store.Swap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sw := range s.swaps {
		if sw.Invoice == invoice {
			cp := *sw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("swap with invoice %v not found", invoice)
}

func (s *fakeStore) GetPendingSwaps(_ context.Context) ([]*store.Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Swap
	for _, sw := range s.swaps {
		if sw.Status.IsPending() {
			cp := *sw
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) GetReverseSwapByID(_ context.Context,
	id lntypes.Hash) (*store.ReverseSwap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.reverseSwaps[id]
	if !ok {
		return nil, fmt.Errorf("reverse swap %v not found", id)
	}
	cp := *sw
	return &cp, nil
}

func (s *fakeStore) GetReverseSwapByPreimageHash(_ context.Context,
	hash lntypes.Hash) (*store.ReverseSwap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sw := range s.reverseSwaps {
		if sw.PreimageHash == hash {
			cp := *sw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("reverse swap with preimage hash %v not found", hash)
}

func (s *fakeStore) GetReverseSwapByLockupAddress(_ context.Context,
	addr string) (*store.ReverseSwap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sw := range s.reverseSwaps {
		if sw.LockupAddress == addr {
			cp := *sw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("reverse swap with lockup address %v not found", addr)
}

func (s *fakeStore) GetPendingReverseSwaps(_ context.Context) ([]*store.ReverseSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.ReverseSwap
	for _, sw := range s.reverseSwaps {
		if sw.Status.IsPending() {
			cp := *sw
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

// fakeInvoices implements the lndclient.InvoicesClient methods
// lightning.Adapter drives its hold-invoice side with.
type fakeInvoices struct {
	lndclient.InvoicesClient

	mu         sync.Mutex
	settled    []lntypes.Preimage
	canceled   []lntypes.Hash
	addErr     error
	subUpdates chan lndclient.InvoiceUpdate
	subErrs    chan error
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{
		subUpdates: make(chan lndclient.InvoiceUpdate, 10),
		subErrs:    make(chan error, 10),
	}
}

func (f *fakeInvoices) AddHoldInvoice(context.Context,
	*invoicesrpc.AddInvoiceData) (string, error) {

	if f.addErr != nil {
		return "", f.addErr
	}
	return "lnbc1fakeinvoice", nil
}

func (f *fakeInvoices) SettleInvoice(_ context.Context,
	preimage lntypes.Preimage) error {

	f.mu.Lock()
	f.settled = append(f.settled, preimage)
	f.mu.Unlock()
	return nil
}

func (f *fakeInvoices) CancelInvoice(_ context.Context, hash lntypes.Hash) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, hash)
	f.mu.Unlock()
	return nil
}

func (f *fakeInvoices) SubscribeSingleInvoice(ctx context.Context,
	_ lntypes.Hash) (<-chan lndclient.InvoiceUpdate, <-chan error, error) {

	return f.subUpdates, f.subErrs, nil
}

// fakeRouter implements the lndclient.RouterClient methods
// lightning.Adapter.PayInvoice drives a payment through.
type fakeRouter struct {
	lndclient.RouterClient

	statusChan chan lndclient.PaymentStatus
	errChan    chan error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		statusChan: make(chan lndclient.PaymentStatus, 10),
		errChan:    make(chan error, 10),
	}
}

func (r *fakeRouter) SendPayment(context.Context,
	lndclient.SendPaymentRequest) (<-chan lndclient.PaymentStatus, <-chan error, error) {

	return r.statusChan, r.errChan, nil
}

func (r *fakeRouter) TrackPayment(context.Context,
	lntypes.Hash) (<-chan lndclient.PaymentStatus, <-chan error, error) {

	return r.statusChan, r.errChan, nil
}
