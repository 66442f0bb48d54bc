// Package nursery is the Swap Nursery, the C5 orchestrator that drives
// every in-flight submarine and reverse swap from creation through claim,
// refund, or expiry. It holds one fsm.StateMachine per live swap rather
// than a goroutine per swap: state is advanced by short-lived dispatch
// goroutines spawned off Manager.Run's select loop, and serialization per
// swap comes from the state machine's own mutex.
package nursery

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/chainobserver"
	"github.com/btcswap/nursery/feeoracle"
	"github.com/btcswap/nursery/fsm"
	"github.com/btcswap/nursery/lightning"
	"github.com/btcswap/nursery/notifications"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// Config bundles every dependency the nursery drives. All fields except
// Clock are required.
type Config struct {
	// Store is the C4 Swap Repository.
	Store store.SwapStore

	// Observer is the C2 Chain Observer.
	Observer chainobserver.Observer

	// Lightning is the C3 Lightning Adapter.
	Lightning *lightning.Adapter

	// Bus is the C6 Event Bus.
	Bus *notifications.Manager

	// FeeOracle is the C7 Fee & Rate Oracle.
	FeeOracle feeoracle.FeeRateOracle

	// Wallet derives the keys the nursery signs claim/refund/lockup
	// transactions with, and hands out fresh addresses for reverse
	// swap payouts.
	Wallet lndclient.WalletKitClient

	// Signer produces the signatures the transaction builder needs.
	Signer lndclient.SignerClient

	// ChainParams selects which network's addresses and dust limits
	// apply.
	ChainParams *chaincfg.Params

	// Clock supplies the current time to the stale-swap watchdog.
	// Defaults to a real clock when nil, letting tests inject their own.
	Clock clock.Clock
}

// Manager is the C5 Swap Nursery.
type Manager struct {
	cfg *Config

	activeSwaps        map[lntypes.Hash]*swapFSM
	activeReverseSwaps map[lntypes.Hash]*reverseFSM

	// lockupIndex maps a hex-encoded watched pkScript to the swap it
	// belongs to, so an observed TxEvent can be routed back to its
	// state machine.
	lockupIndex map[string]lockupRef

	// spendIndex maps a watched htlc outpoint to the reverse swap it
	// belongs to, for claim-spend detection.
	spendIndex map[wire.OutPoint]lntypes.Hash

	currentHeight int32

	// runCtx is the context passed to Run, valid for the lifetime of the
	// nursery. Action methods use it for RPC calls made after Run starts.
	runCtx context.Context

	sync.Mutex
}

type lockupRef struct {
	hash      lntypes.Hash
	isReverse bool
}

// NewManager creates a nursery manager. Call Run to start it.
func NewManager(cfg *Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:                cfg,
		activeSwaps:        make(map[lntypes.Hash]*swapFSM),
		activeReverseSwaps: make(map[lntypes.Hash]*reverseFSM),
		lockupIndex:        make(map[string]lockupRef),
		spendIndex:         make(map[wire.OutPoint]lntypes.Hash),
	}
}

// Run recovers pending swaps and then drives every live state machine off
// the chain observer's and Lightning adapter's event streams until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context, startHeight int32) error {
	log.Infof("Starting swap nursery at height %d", startHeight)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.Lock()
	m.runCtx = runCtx
	m.currentHeight = startHeight
	m.Unlock()

	if err := m.RecoverSwaps(runCtx); err != nil {
		return fmt.Errorf("recovering swaps: %w", err)
	}

	if err := m.cfg.Observer.Start(startHeight); err != nil {
		return fmt.Errorf("starting chain observer: %w", err)
	}
	defer m.cfg.Observer.Stop()

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		m.runWatchdog(gCtx)
		return nil
	})

	g.Go(func() error {
		return m.runEventLoop(gCtx)
	})

	return g.Wait()
}

// runEventLoop drives every live state machine off the chain observer's and
// Lightning adapter's event streams until ctx is canceled.
func (m *Manager) runEventLoop(ctx context.Context) error {
	lnEvents := m.cfg.Lightning.Events()

	for {
		select {
		case block, ok := <-m.cfg.Observer.Blocks():
			if !ok {
				return nil
			}
			m.handleBlock(ctx, block)

		case tx, ok := <-m.cfg.Observer.Transactions():
			if !ok {
				return nil
			}
			m.handleTransaction(ctx, tx)

		case evt, ok := <-lnEvents:
			if !ok {
				return nil
			}
			m.handleLightningEvent(ctx, evt)

		case <-ctx.Done():
			log.Infof("Stopping swap nursery")
			return nil
		}
	}
}

// runWatchdog periodically logs any active swap that has sat pending for
// longer than staleSwapThreshold, a symptom of an action's RPC call never
// returning rather than the swap actually being stuck on chain.
func (m *Manager) runWatchdog(ctx context.Context) {
	t := ticker.New(staleSwapInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			m.checkStaleSwaps()

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) checkStaleSwaps() {
	now := m.cfg.Clock.Now()

	m.Lock()
	defer m.Unlock()

	for _, sm := range m.activeSwaps {
		if age := now.Sub(sm.createdAt); age > staleSwapThreshold {
			log.Warnf("swap %v has been pending for %v in status %v",
				sm.GetVal().ID, age, sm.GetVal().Status)
		}
	}

	for _, sm := range m.activeReverseSwaps {
		if age := now.Sub(sm.createdAt); age > staleSwapThreshold {
			log.Warnf("reverse swap %v has been pending for %v in status %v",
				sm.GetVal().ID, age, sm.GetVal().Status)
		}
	}
}

// ctx returns the context actions should use for RPC calls, valid once Run
// has started.
func (m *Manager) ctx() context.Context {
	m.Lock()
	defer m.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// dispatch advances sm in its own goroutine so Run's select loop never
// blocks on a state machine's SendEvent call, which can itself wait on the
// per-swap lock SendEvent takes or on an action's RPC call.
func (m *Manager) dispatch(sm *fsm.StateMachine, event fsm.EventType,
	eventCtx fsm.EventContext) {

	go func() {
		if err := sm.SendEvent(event, eventCtx); err != nil {
			log.Errorf("sending event %v: %v", event, err)
		}
	}()
}

func (m *Manager) handleBlock(ctx context.Context, block *chainobserver.BlockEvent) {
	m.Lock()
	m.currentHeight = block.Height

	var expiredSwaps []*swapFSM
	for _, sm := range m.activeSwaps {
		s := sm.GetVal()
		if s.Status.IsPending() && block.Height >= int32(s.TimeoutBlockHeight) {
			expiredSwaps = append(expiredSwaps, sm)
		}
	}

	var expiredReverse []*reverseFSM
	for _, sm := range m.activeReverseSwaps {
		s := sm.GetVal()
		if s.Status.IsPending() && block.Height >= int32(s.TimeoutBlockHeight) {
			expiredReverse = append(expiredReverse, sm)
		}
	}
	m.Unlock()

	for _, sm := range expiredSwaps {
		m.dispatch(sm.StateMachine, OnExpire, nil)
	}
	for _, sm := range expiredReverse {
		m.dispatch(sm.StateMachine, OnReverseExpire, nil)
	}
}

func (m *Manager) handleTransaction(ctx context.Context, tx *chainobserver.TxEvent) {
	for _, out := range tx.Tx.TxOut {
		m.Lock()
		ref, ok := m.lockupIndex[pkScriptKey(out.PkScript)]
		m.Unlock()
		if !ok {
			continue
		}

		m.routeLockupEvent(ref, tx)
	}

	txHash := tx.Tx.TxHash()
	for i, in := range tx.Tx.TxIn {
		m.Lock()
		hash, ok := m.spendIndex[in.PreviousOutPoint]
		m.Unlock()
		if !ok {
			continue
		}

		m.routeClaimEvent(hash, tx, i, txHash)
	}
}

func (m *Manager) routeLockupEvent(ref lockupRef, tx *chainobserver.TxEvent) {
	if ref.isReverse {
		m.Lock()
		sm, ok := m.activeReverseSwaps[ref.hash]
		m.Unlock()
		if !ok {
			return
		}

		if tx.Confirmed {
			m.dispatch(sm.StateMachine, OnLockupConfirmed, tx)
		}
		return
	}

	m.Lock()
	sm, ok := m.activeSwaps[ref.hash]
	m.Unlock()
	if !ok {
		return
	}

	if tx.Confirmed {
		m.dispatch(sm.StateMachine, OnTransactionConfirmed, tx)
	} else {
		m.dispatch(sm.StateMachine, OnTransactionSeen, tx)
	}
}

func (m *Manager) routeClaimEvent(hash lntypes.Hash, tx *chainobserver.TxEvent,
	inputIndex int, txHash chainhashLike) {

	m.Lock()
	sm, ok := m.activeReverseSwaps[hash]
	m.Unlock()
	if !ok {
		return
	}

	witness := tx.Tx.TxIn[inputIndex].Witness
	preimage, ok := sm.htlc.ExtractPreimage(witness)
	if !ok {
		return
	}

	m.dispatch(sm.StateMachine, OnClaimSeen, preimage)
}

func (m *Manager) handleLightningEvent(ctx context.Context, evt *lightning.Event) {
	switch evt.Kind {
	case lightning.EventHtlcAccepted:
		m.Lock()
		var sm *reverseFSM
		for _, r := range m.activeReverseSwaps {
			if r.GetVal().PreimageHash == evt.Hash {
				sm = r
				break
			}
		}
		m.Unlock()
		if sm != nil {
			m.dispatch(sm.StateMachine, OnHtlcAccepted, evt)
		}

	case lightning.EventInvoiceSettled:
		m.Lock()
		sm, ok := m.activeSwaps[evt.Hash]
		m.Unlock()
		if ok {
			m.dispatch(sm.StateMachine, OnInvoicePaid, evt)
		}

	case lightning.EventInvoiceFailedToPay:
		m.Lock()
		sm, ok := m.activeSwaps[evt.Hash]
		m.Unlock()
		if ok {
			m.dispatch(sm.StateMachine, OnInvoiceFailedToPay, evt)
		}
	}
}

// RecoverSwaps reloads every non-terminal swap from the repository,
// rebuilds its state machine starting from its persisted status, and
// re-registers its filters with the chain observer.
func (m *Manager) RecoverSwaps(ctx context.Context) error {
	swaps, err := m.cfg.Store.GetPendingSwaps(ctx)
	if err != nil {
		return err
	}

	for _, s := range swaps {
		sm := newSwapFSM(m, s)
		m.Lock()
		m.activeSwaps[s.ID] = sm
		m.registerLockupLocked(s.LockupAddress, s.ID, false)
		m.Unlock()

		go func(sm *swapFSM) {
			if err := sm.SendEvent(OnRecover, nil); err != nil {
				log.Errorf("recovering swap %v: %v", sm.GetVal().ID, err)
			}
		}(sm)
	}

	reverseSwaps, err := m.cfg.Store.GetPendingReverseSwaps(ctx)
	if err != nil {
		return err
	}

	for _, s := range reverseSwaps {
		sm, err := newReverseFSM(m, s)
		if err != nil {
			log.Errorf("recovering reverse swap %v: %v", s.ID, err)
			continue
		}

		m.Lock()
		m.activeReverseSwaps[s.ID] = sm
		m.registerLockupLocked(s.LockupAddress, s.ID, true)
		m.Unlock()

		if s.Lockup != nil {
			m.watchClaimSpend(s.ID, wire.OutPoint{
				Hash: s.Lockup.TxID, Index: s.Lockup.Vout,
			})
		}

		if s.Preimage == nil {
			if err := m.cfg.Lightning.SubscribeInvoice(ctx, s.PreimageHash); err != nil {
				log.Errorf("resubscribing reverse swap %v invoice: %v",
					s.ID, err)
			}
		}

		go func(sm *reverseFSM) {
			if err := sm.SendEvent(OnReverseRecover, nil); err != nil {
				log.Errorf("recovering reverse swap %v: %v",
					sm.GetVal().ID, err)
			}
		}(sm)
	}

	return nil
}

func (m *Manager) registerLockupLocked(addr string, hash lntypes.Hash,
	isReverse bool) {

	pkScript, err := addressToPkScript(addr, m.cfg.ChainParams)
	if err != nil {
		log.Errorf("indexing lockup address %v: %v", addr, err)
		return
	}

	m.lockupIndex[pkScriptKey(pkScript)] = lockupRef{
		hash: hash, isReverse: isReverse,
	}
}

// CreateSwap persists a new submarine swap and hands its state machine to
// the nursery for onward processing. The returned Swap already carries
// the lockup address the caller must fund.
func (m *Manager) CreateSwap(ctx context.Context, req *SwapRequest) (*store.Swap, error) {
	m.Lock()
	height := m.currentHeight
	m.Unlock()

	s, htlc, err := buildSwap(ctx, m.cfg, height, req)
	if err != nil {
		return nil, err
	}

	if err := m.cfg.Store.CreateSwap(ctx, s); err != nil {
		return nil, err
	}

	sm := newSwapFSMWithHtlc(m, s, htlc)

	m.Lock()
	m.activeSwaps[s.ID] = sm
	m.registerLockupLocked(s.LockupAddress, s.ID, false)
	m.Unlock()

	m.dispatch(sm.StateMachine, OnCreated, nil)

	return s, nil
}

// CreateReverseSwap persists a new reverse swap and hands its state
// machine to the nursery, which broadcasts the service-side lockup
// transaction as its first action.
func (m *Manager) CreateReverseSwap(ctx context.Context,
	req *ReverseSwapRequest) (*store.ReverseSwap, string, error) {

	m.Lock()
	height := m.currentHeight
	m.Unlock()

	s, htlc, err := buildReverseSwap(ctx, m.cfg, height, req)
	if err != nil {
		return nil, "", err
	}

	bolt11, err := m.cfg.Lightning.AddHoldInvoice(
		ctx, req.PreimageHash, int64(req.InvoiceAmount)*1000,
		holdInvoiceExpiry, fmt.Sprintf("reverse swap %v", req.PreimageHash),
	)
	if err != nil {
		return nil, "", fmt.Errorf("creating hold invoice: %w", err)
	}

	if err := m.cfg.Lightning.SubscribeInvoice(ctx, req.PreimageHash); err != nil {
		return nil, "", fmt.Errorf("subscribing to hold invoice: %w", err)
	}

	if err := m.cfg.Store.CreateReverseSwap(ctx, s); err != nil {
		return nil, "", err
	}

	sm := newReverseFSMWithHtlc(m, s, htlc)

	m.Lock()
	m.activeReverseSwaps[s.ID] = sm
	m.registerLockupLocked(s.LockupAddress, s.ID, true)
	m.Unlock()

	m.dispatch(sm.StateMachine, OnReverseCreated, nil)

	return s, bolt11, nil
}

// watchClaimSpend registers outpoint as the lockup a reverse swap's claim
// spend will be detected on, so a later spend of it is routed back to hash.
func (m *Manager) watchClaimSpend(hash lntypes.Hash, outpoint wire.OutPoint) {
	m.Lock()
	m.spendIndex[outpoint] = hash
	m.Unlock()

	m.cfg.Observer.WatchInput(outpoint)
}

// forgetSwap removes a terminal submarine swap from the nursery's active
// tracking and stops watching its lockup output.
func (m *Manager) forgetSwap(s *store.Swap) {
	m.Lock()
	defer m.Unlock()

	delete(m.activeSwaps, s.ID)

	pkScript, err := addressToPkScript(s.LockupAddress, m.cfg.ChainParams)
	if err != nil {
		log.Errorf("forgetting swap %v: %v", s.ID, err)
		return
	}

	delete(m.lockupIndex, pkScriptKey(pkScript))
	m.cfg.Observer.UnwatchOutput(pkScript)
}

// forgetReverseSwap removes a terminal reverse swap from the nursery's
// active tracking and stops watching its lockup output and claim input.
func (m *Manager) forgetReverseSwap(s *store.ReverseSwap) {
	m.Lock()
	defer m.Unlock()

	delete(m.activeReverseSwaps, s.ID)

	pkScript, err := addressToPkScript(s.LockupAddress, m.cfg.ChainParams)
	if err != nil {
		log.Errorf("forgetting reverse swap %v: %v", s.ID, err)
		return
	}

	delete(m.lockupIndex, pkScriptKey(pkScript))
	m.cfg.Observer.UnwatchOutput(pkScript)

	if s.Lockup != nil {
		outpoint := wire.OutPoint{Hash: s.Lockup.TxID, Index: s.Lockup.Vout}
		delete(m.spendIndex, outpoint)
		m.cfg.Observer.UnwatchInput(outpoint)
	}
}

// chainhashLike avoids importing chainhash purely for an unused parameter
// name; txHash is currently informational only, kept for future
// duplicate-claim detection.
type chainhashLike = interface{}
