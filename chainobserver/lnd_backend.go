package chainobserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcswap/nursery/utils"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/chainntnfs"
)

// lndObserver implements Observer against lnd's gRPC ChainNotifier
// sub-server via lndclient. Unlike the bitcoind ZMQ backend, lnd's notifier
// only reports a transaction once it reaches the requested confirmation
// depth, so this backend never emits Confirmed=false events; it exists for
// deployments that run against lnd's bitcoind/neutrino backend without
// direct ZMQ access.
type lndObserver struct {
	notifier lndclient.ChainNotifierClient

	filters *filterSet

	txChan    chan *TxEvent
	blockChan chan *BlockEvent

	confMu  sync.Mutex
	pending map[string]context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLndObserver constructs an Observer backed by lnd's ChainNotifier RPCs.
func NewLndObserver(notifier lndclient.ChainNotifierClient) Observer {
	return &lndObserver{
		notifier:  notifier,
		filters:   newFilterSet(),
		txChan:    make(chan *TxEvent, 100),
		blockChan: make(chan *BlockEvent, 10),
		pending:   make(map[string]context.CancelFunc),
	}
}

// Start subscribes to lnd's block epoch notifications. startHeight is not
// used: this backend delivers new blocks only and does not replay blocks
// below the current tip.
func (l *lndObserver) Start(startHeight int32) error {
	l.runCtx, l.cancel = context.WithCancel(context.Background())

	blocks, errChan, err := utils.RegisterBlockEpochNtfnWithRetry(
		l.runCtx, l.notifier,
	)
	if err != nil {
		return fmt.Errorf("registering block epoch ntfn: %w", err)
	}

	l.wg.Add(1)
	go l.readBlocks(blocks, errChan)

	return nil
}

func (l *lndObserver) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *lndObserver) Transactions() <-chan *TxEvent      { return l.txChan }
func (l *lndObserver) Blocks() <-chan *BlockEvent          { return l.blockChan }

// WatchOutput records pkScript in the filter set and starts no confirmation
// watcher: lnd's ChainNotifier needs a txid in addition to a pkScript, and
// only WatchLockupConfirmation, given a known txid, registers one.
func (l *lndObserver) WatchOutput(pkScript []byte) {
	l.filters.watchOutput(pkScript)
}

func (l *lndObserver) UnwatchOutput(pkScript []byte) {
	l.filters.unwatchOutput(pkScript)
}

// WatchInput registers a spend notification for outpoint, delivering a
// TxEvent with Confirmed=true once the spend is seen at one confirmation.
func (l *lndObserver) WatchInput(outpoint wire.OutPoint) {
	l.filters.watchInput(outpoint)

	ctx, cancel := context.WithCancel(l.runCtx)

	l.confMu.Lock()
	l.pending[outpoint.String()] = cancel
	l.confMu.Unlock()

	spendChan, errChan, err := l.notifier.RegisterSpendNtfn(
		ctx, &outpoint, nil, 0,
	)
	if err != nil {
		log.Errorf("registering spend ntfn for %v: %v", outpoint, err)
		cancel()
		return
	}

	l.wg.Add(1)
	go l.readSpend(outpoint, spendChan, errChan)
}

// WatchLockupConfirmation registers a confirmation watcher for txid/pkScript,
// delivering a TxEvent with Confirmed=true once numConfs confirmations are
// reached. It complements WatchOutput once the lockup transaction's txid is
// known.
func (l *lndObserver) WatchLockupConfirmation(txid chainhash.Hash,
	pkScript []byte, numConfs, heightHint int32) {

	ctx, cancel := context.WithCancel(l.runCtx)

	key := "conf:" + txid.String()
	l.confMu.Lock()
	l.pending[key] = cancel
	l.confMu.Unlock()

	confChan, errChan, err := l.notifier.RegisterConfirmationsNtfn(
		ctx, &txid, pkScript, int32(numConfs), heightHint,
	)
	if err != nil {
		log.Errorf("registering conf ntfn for %v: %v", txid, err)
		cancel()
		return
	}

	l.wg.Add(1)
	go l.readConf(txid, confChan, errChan)
}

func (l *lndObserver) readConf(txid chainhash.Hash,
	confChan <-chan *chainntnfs.TxConfirmation, errChan <-chan error) {

	defer l.wg.Done()

	select {
	case conf, ok := <-confChan:
		if !ok {
			return
		}

		select {
		case l.txChan <- &TxEvent{
			Tx:        conf.Tx,
			Confirmed: true,
			Height:    int32(conf.BlockHeight),
		}:
		case <-l.runCtx.Done():
		}

	case err := <-errChan:
		if err != nil {
			log.Errorf("conf subscription error for %v: %v", txid, err)
		}

	case <-l.runCtx.Done():
	}
}

func (l *lndObserver) UnwatchInput(outpoint wire.OutPoint) {
	l.filters.unwatchInput(outpoint)

	l.confMu.Lock()
	cancel, ok := l.pending[outpoint.String()]
	delete(l.pending, outpoint.String())
	l.confMu.Unlock()

	if ok {
		cancel()
	}
}

func (l *lndObserver) readBlocks(blocks <-chan int32, errChan <-chan error) {
	defer l.wg.Done()

	for {
		select {
		case height, ok := <-blocks:
			if !ok {
				return
			}

			select {
			case l.blockChan <- &BlockEvent{Height: height}:
			case <-l.runCtx.Done():
				return
			}

		case err := <-errChan:
			if err != nil {
				log.Errorf("block epoch subscription error: %v", err)
			}
			return

		case <-l.runCtx.Done():
			return
		}
	}
}

func (l *lndObserver) readSpend(outpoint wire.OutPoint,
	spendChan <-chan *chainntnfs.SpendDetail, errChan <-chan error) {

	defer l.wg.Done()

	select {
	case spend, ok := <-spendChan:
		if !ok {
			return
		}

		select {
		case l.txChan <- &TxEvent{
			Tx:        spend.SpendingTx,
			Confirmed: true,
			Height:    spend.SpendingHeight,
		}:
		case <-l.runCtx.Done():
		}

	case err := <-errChan:
		if err != nil {
			log.Errorf("spend subscription error for %v: %v",
				outpoint, err)
		}

	case <-l.runCtx.Done():
	}
}
