package chainobserver

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
)

// ZMQConfig configures the bitcoind ZMQ + RPC backed Observer.
type ZMQConfig struct {
	// ZMQBlockAddr is the address bitcoind publishes hashblock
	// notifications on (zmqpubhashblock).
	ZMQBlockAddr string

	// ZMQTxAddr is the address bitcoind publishes rawtx notifications on
	// (zmqpubrawtx).
	ZMQTxAddr string

	// RPCConfig dials bitcoind's JSON-RPC interface, used for rescans and
	// for resolving a block hash into its height during replay.
	RPCConfig rpcclient.ConnConfig

	// PollInterval bounds how long the ZMQ subscriber blocks waiting for
	// data before checking for a shutdown request.
	PollInterval time.Duration
}

// zmqObserver implements Observer against a bitcoind instance exposing ZMQ
// rawtx/hashblock notifications alongside the standard JSON-RPC interface.
// It is the primary backend: it sees transactions as they enter the
// mempool, not only once confirmed.
type zmqObserver struct {
	cfg ZMQConfig

	filters *filterSet

	rpc *rpcclient.Client

	txSub    *gozmq.Conn
	blockSub *gozmq.Conn

	txChan    chan *TxEvent
	blockChan chan *BlockEvent

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewZMQObserver constructs an Observer backed by bitcoind's ZMQ
// notifications and JSON-RPC interface.
func NewZMQObserver(cfg ZMQConfig) (Observer, error) {
	rpc, err := rpcclient.New(&cfg.RPCConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to bitcoind rpc: %w", err)
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	return &zmqObserver{
		cfg:       cfg,
		filters:   newFilterSet(),
		rpc:       rpc,
		txChan:    make(chan *TxEvent, 100),
		blockChan: make(chan *BlockEvent, 10),
		quit:      make(chan struct{}),
	}, nil
}

func (z *zmqObserver) Start(startHeight int32) error {
	txSub, err := gozmq.Subscribe(
		z.cfg.ZMQTxAddr, []string{"rawtx"}, z.cfg.PollInterval,
	)
	if err != nil {
		return fmt.Errorf("subscribing to rawtx: %w", err)
	}
	z.txSub = txSub

	blockSub, err := gozmq.Subscribe(
		z.cfg.ZMQBlockAddr, []string{"hashblock"}, z.cfg.PollInterval,
	)
	if err != nil {
		txSub.Close()
		return fmt.Errorf("subscribing to hashblock: %w", err)
	}
	z.blockSub = blockSub

	if err := z.rescan(startHeight); err != nil {
		log.Warnf("rescan from height %d failed: %v", startHeight, err)
	}

	z.wg.Add(2)
	go z.readTxs()
	go z.readBlocks()

	return nil
}

func (z *zmqObserver) Stop() {
	close(z.quit)

	if z.txSub != nil {
		z.txSub.Close()
	}
	if z.blockSub != nil {
		z.blockSub.Close()
	}

	z.wg.Wait()
	z.rpc.Shutdown()
}

func (z *zmqObserver) Transactions() <-chan *TxEvent     { return z.txChan }
func (z *zmqObserver) Blocks() <-chan *BlockEvent         { return z.blockChan }
func (z *zmqObserver) WatchOutput(pkScript []byte)        { z.filters.watchOutput(pkScript) }
func (z *zmqObserver) UnwatchOutput(pkScript []byte)      { z.filters.unwatchOutput(pkScript) }
func (z *zmqObserver) WatchInput(outpoint wire.OutPoint)  { z.filters.watchInput(outpoint) }
func (z *zmqObserver) UnwatchInput(outpoint wire.OutPoint) {
	z.filters.unwatchInput(outpoint)
}

func (z *zmqObserver) readTxs() {
	defer z.wg.Done()

	for {
		_, body, err := z.txSub.Receive()
		if err != nil {
			select {
			case <-z.quit:
				return
			default:
				log.Errorf("zmq rawtx receive: %v", err)
				continue
			}
		}

		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(body)); err != nil {
			log.Errorf("decoding rawtx payload: %v", err)
			continue
		}

		if !z.filters.matchTx(tx) {
			continue
		}

		select {
		case z.txChan <- &TxEvent{Tx: tx, Confirmed: false}:
		case <-z.quit:
			return
		}
	}
}

func (z *zmqObserver) readBlocks() {
	defer z.wg.Done()

	for {
		_, body, err := z.blockSub.Receive()
		if err != nil {
			select {
			case <-z.quit:
				return
			default:
				log.Errorf("zmq hashblock receive: %v", err)
				continue
			}
		}

		hash, err := chainhash.NewHash(body)
		if err != nil {
			log.Errorf("decoding hashblock payload: %v", err)
			continue
		}

		if err := z.processBlock(*hash); err != nil {
			log.Errorf("processing block %v: %v", hash, err)
		}
	}
}

// processBlock fetches a block by hash, emits a confirmed TxEvent for every
// transaction in it that matches the filter set, and emits the block event
// itself.
func (z *zmqObserver) processBlock(hash chainhash.Hash) error {
	block, err := z.rpc.GetBlockVerbose(&hash)
	if err != nil {
		return err
	}

	rawBlock, err := z.rpc.GetBlock(&hash)
	if err != nil {
		return err
	}

	for _, tx := range rawBlock.Transactions {
		if !z.filters.matchTx(tx) {
			continue
		}

		select {
		case z.txChan <- &TxEvent{
			Tx:        tx,
			Confirmed: true,
			Height:    int32(block.Height),
		}:
		case <-z.quit:
			return nil
		}
	}

	select {
	case z.blockChan <- &BlockEvent{Height: int32(block.Height), Hash: hash}:
	case <-z.quit:
	}

	return nil
}

// rescan replays blocks from startHeight through the current tip against
// the filter sets registered so far, so a restart does not miss activity
// that happened while the observer was offline.
func (z *zmqObserver) rescan(startHeight int32) error {
	if startHeight <= 0 {
		return nil
	}

	_, tip, err := z.rpc.GetBestBlock()
	if err != nil {
		return err
	}

	for height := startHeight; height <= tip; height++ {
		hash, err := z.rpc.GetBlockHash(int64(height))
		if err != nil {
			return err
		}

		if err := z.processBlock(*hash); err != nil {
			return err
		}
	}

	return nil
}
