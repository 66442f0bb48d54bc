package nursery

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/chainobserver"
	"github.com/btcswap/nursery/feeoracle"
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/internal/testutil"
	"github.com/btcswap/nursery/lightning"
	"github.com/btcswap/nursery/notifications"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/fortytw2/leaktest"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// notifyRecorder is an fsm.Observer that forwards every transition onto a
// channel, letting a test block until a state machine reaches a state it
// cares about instead of polling or sleeping.
type notifyRecorder struct {
	ch chan fsm.Notification
}

func newNotifyRecorder() *notifyRecorder {
	return &notifyRecorder{ch: make(chan fsm.Notification, 64)}
}

func (r *notifyRecorder) Notify(n fsm.Notification) {
	r.ch <- n
}

func waitForState(t *testing.T, ch <-chan fsm.Notification, want fsm.StateType) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.NextState == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

// TestDispatchDoesNotBlock is the regression test for the nursery's event
// loop previously stalling on a single state machine's action: dispatch
// must hand the event off to its own goroutine and return immediately, no
// matter how long the action that event triggers takes to run.
func TestDispatchDoesNotBlock(t *testing.T) {
	defer leaktest.Check(t)()

	unblock := make(chan struct{})
	done := make(chan struct{})

	const stateBlocked = fsm.StateType("Blocked")
	const eventGo = fsm.EventType("Go")

	states := fsm.States{
		fsm.Default: {
			Transitions: fsm.Transitions{eventGo: stateBlocked},
		},
		stateBlocked: {
			Action: func(fsm.EventContext) fsm.EventType {
				<-unblock
				close(done)
				return fsm.NoOp
			},
		},
	}

	sm := fsm.NewStateMachine(states)

	var m Manager

	start := time.Now()
	m.dispatch(sm, eventGo, nil)
	require.Less(t, time.Since(start), 100*time.Millisecond,
		"dispatch must return before its action completes")

	select {
	case <-done:
		t.Fatal("blocked action completed before being unblocked")
	default:
	}

	close(unblock)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked action never ran to completion")
	}
}

// testManager wires a Manager against the package's fakes, configured for
// the regtest chain so address/script decoding stays deterministic.
func testManager(t *testing.T) (*Manager, *fakeStore, *fakeWallet, *fakeSigner,
	*fakeObserver, *fakeFeeOracle, *fakeRouter) {

	t.Helper()

	wallet := newFakeWallet()
	signer := newFakeSigner()
	st := newFakeStore()
	observer := newFakeObserver()
	oracle := &fakeFeeOracle{feeRate: 1000, riskCap: 1_000_000}
	invoices := newFakeInvoices()
	router := newFakeRouter()

	adapter := lightning.New(lightning.Config{
		Invoices: invoices,
		Router:   router,
	})

	cfg := &Config{
		Store:       st,
		Observer:    observer,
		Lightning:   adapter,
		Bus:         notifications.NewManager(),
		FeeOracle:   oracle,
		Wallet:      wallet,
		Signer:      signer,
		ChainParams: &chaincfg.RegressionNetParams,
	}

	return NewManager(cfg), st, wallet, signer, observer, oracle, router
}

// TestSubmarineSwapGoldenPath drives a submarine swap through every stage
// named by the S5 scenario: created, funded with a zero-conf-accepted
// lockup, paid over Lightning, and claimed, ending in the terminal success
// state with the bus notified along the way. Because payInvoiceAction
// re-enters the manager's dispatch from its own goroutine, this is also an
// exercise of the dispatch-never-blocks fix.
func TestSubmarineSwapGoldenPath(t *testing.T) {
	defer leaktest.Check(t)()

	m, st, _, signer, observer, _, router := testManager(t)

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(42)
	var refundKey [33]byte
	copy(refundKey[:], pub.SerializeCompressed())

	invoice := testutil.EncodeInvoice(
		t, &chaincfg.RegressionNetParams, hash, 50_000,
	)

	ctx := context.Background()

	s, err := m.CreateSwap(ctx, &SwapRequest{
		Pair:            "BTC/BTC",
		Invoice:         invoice,
		PreimageHash:    hash,
		RefundPublicKey: refundKey,
		OutputType:      swap.HtlcP2WSH,
		ExpectedAmount:  60_000,
		AcceptZeroConf:  true,
		Quote:           &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	signer.registerKey(s.KeyIndex)

	m.Lock()
	sm := m.activeSwaps[s.ID]
	m.Unlock()
	require.NotNil(t, sm)

	// CreateSwap's own OnCreated dispatch races an observer registered
	// afterwards, so the initial transition is awaited by polling
	// CurrentState rather than the notification channel below, which is
	// only safe to rely on for transitions triggered after the observer
	// is attached.
	require.Eventually(t, func() bool {
		return sm.CurrentState() == StateCreated
	}, 2*time.Second, 5*time.Millisecond)

	rec := newNotifyRecorder()
	sm.RegisterObserver(rec)

	// The counterparty funds the lockup address with an unconfirmed,
	// non-RBF transaction for the expected amount.
	pkScript, err := addressToPkScript(s.LockupAddress, m.cfg.ChainParams)
	require.NoError(t, err)

	observer.mu.Lock()
	_, watched := observer.watchedOutputs[string(pkScript)]
	observer.mu.Unlock()
	require.True(t, watched, "lockup output must be watched once created")

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	fundingTx.AddTxOut(&wire.TxOut{
		Value:    int64(s.ExpectedAmount),
		PkScript: pkScript,
	})

	// The payment status is buffered ahead of time: SendPayment's
	// returned channel is read from inside payInvoiceAction's own
	// goroutine, which only starts once the zero-conf guard accepts the
	// funding transaction below.
	router.statusChan <- lndclient.PaymentStatus{
		State:    lnrpc.Payment_SUCCEEDED,
		Preimage: preimage,
	}

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: false,
	})

	waitForState(t, rec.ch, StateInvoicePending)
	waitForState(t, rec.ch, StateInvoicePaid)
	waitForState(t, rec.ch, StateTransactionClaimed)

	final, err := st.GetSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateTransactionClaimed, final.Status)
	require.NotNil(t, final.Lockup)
	require.Equal(t, s.ExpectedAmount, final.Lockup.Amount)

	m.Lock()
	_, stillActive := m.activeSwaps[s.ID]
	m.Unlock()
	require.False(t, stillActive, "claimed swap must be forgotten")
}

// TestSubmarineSwapConfirmedPath drives a submarine swap through scenario
// S1: the swap does not opt into zero-conf, so the unconfirmed lockup
// sighting must leave it parked in TransactionMempool, and only a later
// confirmation advances it to paying the invoice and claiming.
func TestSubmarineSwapConfirmedPath(t *testing.T) {
	defer leaktest.Check(t)()

	m, st, _, signer, _, _, router := testManager(t)

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(43)
	var refundKey [33]byte
	copy(refundKey[:], pub.SerializeCompressed())

	invoice := testutil.EncodeInvoice(
		t, &chaincfg.RegressionNetParams, hash, 50_000,
	)

	ctx := context.Background()

	s, err := m.CreateSwap(ctx, &SwapRequest{
		Pair:            "BTC/BTC",
		Invoice:         invoice,
		PreimageHash:    hash,
		RefundPublicKey: refundKey,
		OutputType:      swap.HtlcP2WSH,
		ExpectedAmount:  60_000,
		Quote:           &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	signer.registerKey(s.KeyIndex)

	m.Lock()
	sm := m.activeSwaps[s.ID]
	m.Unlock()
	require.NotNil(t, sm)

	require.Eventually(t, func() bool {
		return sm.CurrentState() == StateCreated
	}, 2*time.Second, 5*time.Millisecond)

	rec := newNotifyRecorder()
	sm.RegisterObserver(rec)

	pkScript, err := addressToPkScript(s.LockupAddress, m.cfg.ChainParams)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	fundingTx.AddTxOut(&wire.TxOut{
		Value:    int64(s.ExpectedAmount),
		PkScript: pkScript,
	})

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: false,
	})

	waitForState(t, rec.ch, StateTransactionMempool)

	// Without AcceptZeroConf, the unconfirmed sighting alone must not
	// move the swap any further.
	select {
	case n := <-rec.ch:
		t.Fatalf("unexpected transition to %v before confirmation", n.NextState)
	case <-time.After(50 * time.Millisecond):
	}

	router.statusChan <- lndclient.PaymentStatus{
		State:    lnrpc.Payment_SUCCEEDED,
		Preimage: preimage,
	}

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: true,
	})

	waitForState(t, rec.ch, StateTransactionConfirmed)
	waitForState(t, rec.ch, StateInvoicePaid)
	waitForState(t, rec.ch, StateTransactionClaimed)

	final, err := st.GetSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateTransactionClaimed, final.Status)
}

// TestReverseSwapGoldenPath drives a reverse swap through the S3 scenario:
// the nursery funds the lockup itself, the counterparty's hold invoice
// HTLC locks in, and the counterparty's on-chain claim reveals the
// preimage the nursery then settles the invoice with.
func TestReverseSwapGoldenPath(t *testing.T) {
	defer leaktest.Check(t)()

	m, st, wallet, _, _, _, _ := testManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(7)
	var claimKey [33]byte
	copy(claimKey[:], pub.SerializeCompressed())

	s, _, err := m.CreateReverseSwap(ctx, &ReverseSwapRequest{
		Pair:           "BTC/BTC",
		PreimageHash:   hash,
		ClaimPublicKey: claimKey,
		OutputType:     swap.HtlcP2WSH,
		OnchainAmount:  30_000,
		InvoiceAmount:  40_000,
		Quote:          &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m.Lock()
		sm, ok := m.activeReverseSwaps[s.ID]
		m.Unlock()
		return ok && sm.CurrentState() == ReverseStateTransactionMempool
	}, 2*time.Second, 5*time.Millisecond)

	m.Lock()
	sm := m.activeReverseSwaps[s.ID]
	m.Unlock()
	require.NotNil(t, sm)

	rec := newNotifyRecorder()
	sm.RegisterObserver(rec)

	// The lockup transaction the manager watches for confirmation is the
	// one it broadcast itself via the wallet, not one the test fabricates,
	// since broadcastLockupAction records that tx's own hash as s.Lockup.
	wallet.mu.Lock()
	require.Len(t, wallet.published, 1, "broadcastLockupAction must have sent its lockup")
	lockupTx := wallet.published[0]
	wallet.mu.Unlock()

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: lockupTx, Confirmed: true,
	})

	waitForState(t, rec.ch, ReverseStateTransactionConfirmed)

	m.handleLightningEvent(ctx, &lightning.Event{
		Kind: lightning.EventHtlcAccepted,
		Hash: hash,
	})

	waitForState(t, rec.ch, ReverseStateInvoicePaid)

	claimWitness, err := sm.htlc.GenSuccessWitness(make([]byte, 64), preimage)
	require.NoError(t, err)

	claimTx := wire.NewMsgTx(2)
	claimTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: lockupTx.TxHash(), Index: 0},
		Witness:          claimWitness,
	})
	claimTx.AddTxOut(&wire.TxOut{Value: 29_000, PkScript: []byte{0x00}})

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: claimTx, Confirmed: true,
	})

	waitForState(t, rec.ch, ReverseStateInvoiceSettled)

	final, err := st.GetReverseSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.ReverseStateInvoiceSettled, final.Status)
	require.NotNil(t, final.Preimage)
	require.Equal(t, preimage, *final.Preimage)

	m.Lock()
	_, stillActive := m.activeReverseSwaps[s.ID]
	m.Unlock()
	require.False(t, stillActive, "settled reverse swap must be forgotten")
}

// TestReverseSwapExpiryRefund drives a reverse swap through the S4
// scenario: the counterparty never pays the hold invoice, the chain tip
// reaches the swap's timeout height, and the nursery refunds its own
// lockup instead of waiting for a claim that will never come.
func TestReverseSwapExpiryRefund(t *testing.T) {
	defer leaktest.Check(t)()

	m, st, wallet, signer, _, _, _ := testManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(17)
	var claimKey [33]byte
	copy(claimKey[:], pub.SerializeCompressed())

	s, _, err := m.CreateReverseSwap(ctx, &ReverseSwapRequest{
		Pair:           "BTC/BTC",
		PreimageHash:   hash,
		ClaimPublicKey: claimKey,
		OutputType:     swap.HtlcP2WSH,
		OnchainAmount:  30_000,
		InvoiceAmount:  40_000,
		Quote:          &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	signer.registerKey(s.KeyIndex)

	require.Eventually(t, func() bool {
		m.Lock()
		sm, ok := m.activeReverseSwaps[s.ID]
		m.Unlock()
		return ok && sm.CurrentState() == ReverseStateTransactionMempool
	}, 2*time.Second, 5*time.Millisecond)

	m.Lock()
	sm := m.activeReverseSwaps[s.ID]
	m.Unlock()
	require.NotNil(t, sm)

	rec := newNotifyRecorder()
	sm.RegisterObserver(rec)

	wallet.mu.Lock()
	require.Len(t, wallet.published, 1, "broadcastLockupAction must have sent its lockup")
	lockupTx := wallet.published[0]
	wallet.mu.Unlock()

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: lockupTx, Confirmed: true,
	})

	waitForState(t, rec.ch, ReverseStateTransactionConfirmed)

	// The counterparty never reveals the preimage; the chain tip reaches
	// the swap's timeout and the nursery must reclaim its lockup.
	m.handleBlock(ctx, &chainobserver.BlockEvent{
		Height: int32(s.TimeoutBlockHeight),
	})

	waitForState(t, rec.ch, ReverseStateSwapExpired)
	waitForState(t, rec.ch, ReverseStateTransactionRefunded)

	wallet.mu.Lock()
	require.Len(t, wallet.published, 2, "refundAction must have broadcast a refund transaction")
	refundTx := wallet.published[1]
	wallet.mu.Unlock()

	require.Equal(t, lockupTx.TxHash(), refundTx.TxIn[0].PreviousOutPoint.Hash,
		"refund must spend the nursery's own lockup output")

	final, err := st.GetReverseSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.ReverseStateTransactionRefunded, final.Status)

	m.Lock()
	_, stillActive := m.activeReverseSwaps[s.ID]
	m.Unlock()
	require.False(t, stillActive, "refunded reverse swap must be forgotten")
}

// TestSubmarineSwapRecoversMidFlight drives the S6 scenario: a submarine
// swap is left parked in TransactionMempool when the process restarts, and
// a fresh Manager loading the same store must pick it back up and let it
// run through to completion rather than erroring it out on recovery.
func TestSubmarineSwapRecoversMidFlight(t *testing.T) {
	defer leaktest.Check(t)()

	m1, st, _, signer1, _, _, _ := testManager(t)

	ctx := context.Background()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(55)
	var refundKey [33]byte
	copy(refundKey[:], pub.SerializeCompressed())

	invoice := testutil.EncodeInvoice(
		t, &chaincfg.RegressionNetParams, hash, 50_000,
	)

	s, err := m1.CreateSwap(ctx, &SwapRequest{
		Pair:            "BTC/BTC",
		Invoice:         invoice,
		PreimageHash:    hash,
		RefundPublicKey: refundKey,
		OutputType:      swap.HtlcP2WSH,
		ExpectedAmount:  60_000,
		Quote:           &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	signer1.registerKey(s.KeyIndex)

	m1.Lock()
	sm1 := m1.activeSwaps[s.ID]
	m1.Unlock()
	require.NotNil(t, sm1)

	require.Eventually(t, func() bool {
		return sm1.CurrentState() == StateCreated
	}, 2*time.Second, 5*time.Millisecond)

	pkScript, err := addressToPkScript(s.LockupAddress, m1.cfg.ChainParams)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	fundingTx.AddTxOut(&wire.TxOut{
		Value:    int64(s.ExpectedAmount),
		PkScript: pkScript,
	})

	m1.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: false,
	})

	require.Eventually(t, func() bool {
		return sm1.CurrentState() == StateTransactionMempool
	}, 2*time.Second, 5*time.Millisecond)

	parked, err := st.GetSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateTransactionMempool, parked.Status,
		"the mempool sighting must be persisted before the process restarts")

	// A fresh Manager stands in for the restarted process: same store,
	// everything else rebuilt from scratch.
	wallet2 := newFakeWallet()
	signer2 := newFakeSigner()
	signer2.registerKey(s.KeyIndex)
	observer2 := newFakeObserver()
	router2 := newFakeRouter()
	invoices2 := newFakeInvoices()

	adapter2 := lightning.New(lightning.Config{
		Invoices: invoices2,
		Router:   router2,
	})

	cfg2 := &Config{
		Store:       st,
		Observer:    observer2,
		Lightning:   adapter2,
		Bus:         notifications.NewManager(),
		FeeOracle:   &fakeFeeOracle{feeRate: 1000, riskCap: 1_000_000},
		Wallet:      wallet2,
		Signer:      signer2,
		ChainParams: &chaincfg.RegressionNetParams,
	}

	m2 := NewManager(cfg2)

	require.NoError(t, m2.RecoverSwaps(ctx))

	m2.Lock()
	sm2 := m2.activeSwaps[s.ID]
	m2.Unlock()
	require.NotNil(t, sm2, "recovery must re-register the swap into activeSwaps")

	rec := newNotifyRecorder()
	sm2.RegisterObserver(rec)

	// OnRecover re-enters TransactionMempool's own action; give it time
	// to run and confirm it left the swap in place instead of expiring it
	// the way the zero-conf guard's nil-eventCtx handling used to.
	require.Never(t, func() bool {
		return sm2.CurrentState() == StateSwapExpired
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, StateTransactionMempool, sm2.CurrentState())

	router2.statusChan <- lndclient.PaymentStatus{
		State:    lnrpc.Payment_SUCCEEDED,
		Preimage: preimage,
	}

	m2.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: true,
	})

	waitForState(t, rec.ch, StateTransactionConfirmed)
	waitForState(t, rec.ch, StateInvoicePaid)
	waitForState(t, rec.ch, StateTransactionClaimed)

	final, err := st.GetSwapByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateTransactionClaimed, final.Status)
}

// TestSwapUpdateNotificationsArriveInOrder exercises the event bus's
// chronological-order invariant: a subscriber watching a single swap's
// updates must see its status strings in the exact sequence the submarine
// FSM assigns them, never reordered or interleaved from another swap.
func TestSwapUpdateNotificationsArriveInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	m, _, _, signer, _, _, router := testManager(t)

	// Subscribe's own teardown goroutine blocks on ctx.Done(), so the
	// context must be canceled before leaktest.Check observes it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := m.cfg.Bus.Subscribe(ctx, notifications.NotificationTypeSwapUpdate)

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	_, pub := testutil.CreateKey(99)
	var refundKey [33]byte
	copy(refundKey[:], pub.SerializeCompressed())

	invoice := testutil.EncodeInvoice(
		t, &chaincfg.RegressionNetParams, hash, 50_000,
	)

	s, err := m.CreateSwap(ctx, &SwapRequest{
		Pair:            "BTC/BTC",
		Invoice:         invoice,
		PreimageHash:    hash,
		RefundPublicKey: refundKey,
		OutputType:      swap.HtlcP2WSH,
		ExpectedAmount:  60_000,
		AcceptZeroConf:  true,
		Quote:           &feeoracle.Quote{PercentageFee: 0},
	})
	require.NoError(t, err)

	signer.registerKey(s.KeyIndex)

	m.Lock()
	sm := m.activeSwaps[s.ID]
	m.Unlock()
	require.NotNil(t, sm)

	require.Eventually(t, func() bool {
		return sm.CurrentState() == StateCreated
	}, 2*time.Second, 5*time.Millisecond)

	rec := newNotifyRecorder()
	sm.RegisterObserver(rec)

	pkScript, err := addressToPkScript(s.LockupAddress, m.cfg.ChainParams)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	fundingTx.AddTxOut(&wire.TxOut{
		Value:    int64(s.ExpectedAmount),
		PkScript: pkScript,
	})

	router.statusChan <- lndclient.PaymentStatus{
		State:    lnrpc.Payment_SUCCEEDED,
		Preimage: preimage,
	}

	m.handleTransaction(ctx, &chainobserver.TxEvent{
		Tx: fundingTx, Confirmed: false,
	})

	waitForState(t, rec.ch, StateInvoicePending)
	waitForState(t, rec.ch, StateInvoicePaid)
	waitForState(t, rec.ch, StateTransactionClaimed)

	// finalizeSuccessAction runs as part of the same dispatch chain that
	// delivered the StateTransactionClaimed notification above, so by now
	// the bus has already fanned out every update this swap will ever
	// produce; draining without blocking is safe.
	var statuses []string
drain:
	for {
		select {
		case n := <-sub:
			update, ok := n.(notifications.SwapUpdate)
			require.True(t, ok, "unexpected notification payload %T", n)
			statuses = append(statuses, update.Status)
		default:
			break drain
		}
	}

	require.Equal(t, []string{
		store.StateTransactionMempool.String(),
		store.StateInvoicePending.String(),
		store.StateTransactionClaimed.String(),
	}, statuses)
}
