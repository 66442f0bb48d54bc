package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcswap/nursery/swaperrors"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.etcd.io/bbolt"
)

var (
	swapBucketKey        = []byte("swap")
	reverseSwapBucketKey = []byte("reverse-swap")

	contractKey = []byte("contract")
	statusKey   = []byte("status")
	lockupKey   = []byte("lockup")
	minerFeeKey = []byte("miner-fee")
	updatesKey  = []byte("updates")

	preimageHashIndexKey  = []byte("index-preimage-hash")
	lockupAddressIndexKey = []byte("index-lockup-address")
	invoiceIndexKey       = []byte("index-invoice")

	byteOrder = binary.BigEndian
)

// boltSwapStore is the primary SwapStore backend, an embedded bbolt
// database with one top-level bucket per swap kind and a sub-bucket per
// swap id, mirroring loopdb's bucket-per-swap-type/sub-bucket-per-hash
// nesting.
type boltSwapStore struct {
	db *bbolt.DB
}

// NewBoltSwapStore opens (creating if necessary) a bbolt-backed SwapStore
// at the given path.
func NewBoltSwapStore(dbPath string) (SwapStore, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Infof("Creating new swap store at %v", dbPath)
	}

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{swapBucketKey, reverseSwapBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltSwapStore{db: db}, nil
}

// Close implements SwapStore.
func (s *boltSwapStore) Close() error {
	return s.db.Close()
}

// CreateSwap implements SwapStore.
func (s *boltSwapStore) CreateSwap(_ context.Context, sw *Swap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)

		if root.Bucket(sw.ID[:]) != nil {
			return swaperrors.ErrAlreadyExists
		}

		if existing := lookupIndex(root, preimageHashIndexKey, sw.PreimageHash[:]); existing != nil {
			return swaperrors.ErrAlreadyExists
		}

		swapBucket, err := root.CreateBucket(sw.ID[:])
		if err != nil {
			return err
		}

		contract, err := EncodeSwapContract(sw)
		if err != nil {
			return err
		}
		if err := swapBucket.Put(contractKey, contract); err != nil {
			return err
		}
		if err := swapBucket.Put(statusKey, []byte{byte(sw.Status)}); err != nil {
			return err
		}
		if _, err := swapBucket.CreateBucketIfNotExists(updatesKey); err != nil {
			return err
		}

		if err := putIndex(root, preimageHashIndexKey, sw.PreimageHash[:], sw.ID[:]); err != nil {
			return err
		}
		if err := putIndex(root, lockupAddressIndexKey, []byte(sw.LockupAddress), sw.ID[:]); err != nil {
			return err
		}
		if err := putIndex(root, invoiceIndexKey, []byte(sw.Invoice), sw.ID[:]); err != nil {
			return err
		}

		return appendUpdate(swapBucket.Bucket(updatesKey), sw.Status.String())
	})
}

// CreateReverseSwap implements SwapStore.
func (s *boltSwapStore) CreateReverseSwap(_ context.Context, sw *ReverseSwap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)

		if root.Bucket(sw.ID[:]) != nil {
			return swaperrors.ErrAlreadyExists
		}
		if existing := lookupIndex(root, preimageHashIndexKey, sw.PreimageHash[:]); existing != nil {
			return swaperrors.ErrAlreadyExists
		}

		swapBucket, err := root.CreateBucket(sw.ID[:])
		if err != nil {
			return err
		}

		contract, err := EncodeReverseSwapContract(sw)
		if err != nil {
			return err
		}
		if err := swapBucket.Put(contractKey, contract); err != nil {
			return err
		}
		if err := swapBucket.Put(statusKey, []byte{byte(sw.Status)}); err != nil {
			return err
		}
		if _, err := swapBucket.CreateBucketIfNotExists(updatesKey); err != nil {
			return err
		}

		if err := putIndex(root, preimageHashIndexKey, sw.PreimageHash[:], sw.ID[:]); err != nil {
			return err
		}
		if err := putIndex(root, lockupAddressIndexKey, []byte(sw.LockupAddress), sw.ID[:]); err != nil {
			return err
		}

		return appendUpdate(swapBucket.Bucket(updatesKey), sw.Status.String())
	})
}

// UpdateSwap implements SwapStore. Applying the same (id, targetStatus)
// pair twice is a no-op, satisfying the idempotent-writes invariant.
func (s *boltSwapStore) UpdateSwap(_ context.Context, sw *Swap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		swapBucket := root.Bucket(sw.ID[:])
		if swapBucket == nil {
			return swaperrors.ErrNotFound
		}

		if last := swapBucket.Get(statusKey); last != nil &&
			SwapState(last[0]) == sw.Status {

			return nil
		}

		if err := swapBucket.Put(statusKey, []byte{byte(sw.Status)}); err != nil {
			return err
		}

		if sw.Lockup != nil {
			buf, err := encodeTxInfo(sw.Lockup)
			if err != nil {
				return err
			}
			if err := swapBucket.Put(lockupKey, buf); err != nil {
				return err
			}
		}
		if sw.MinerFee != 0 {
			if err := putAmount(swapBucket, minerFeeKey, sw.MinerFee); err != nil {
				return err
			}
		}

		updates := swapBucket.Bucket(updatesKey)
		return appendUpdate(updates, sw.Status.String())
	})
}

// UpdateReverseSwap implements SwapStore.
func (s *boltSwapStore) UpdateReverseSwap(_ context.Context, sw *ReverseSwap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)
		swapBucket := root.Bucket(sw.ID[:])
		if swapBucket == nil {
			return swaperrors.ErrNotFound
		}

		if last := swapBucket.Get(statusKey); last != nil &&
			ReverseSwapState(last[0]) == sw.Status {

			return nil
		}

		if err := swapBucket.Put(statusKey, []byte{byte(sw.Status)}); err != nil {
			return err
		}

		if sw.Lockup != nil {
			buf, err := encodeTxInfo(sw.Lockup)
			if err != nil {
				return err
			}
			if err := swapBucket.Put(lockupKey, buf); err != nil {
				return err
			}
		}
		if sw.Preimage != nil {
			contract, err := EncodeReverseSwapContract(sw)
			if err != nil {
				return err
			}
			if err := swapBucket.Put(contractKey, contract); err != nil {
				return err
			}
		}

		return appendUpdate(swapBucket.Bucket(updatesKey), sw.Status.String())
	})
}

// GetSwapByID implements SwapStore.
func (s *boltSwapStore) GetSwapByID(_ context.Context, id lntypes.Hash) (*Swap, error) {
	var sw *Swap
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		bucket := root.Bucket(id[:])
		if bucket == nil {
			return swaperrors.ErrNotFound
		}
		var err error
		sw, err = decodeSwap(bucket, id)
		return err
	})
	return sw, err
}

// GetSwapByPreimageHash implements SwapStore.
func (s *boltSwapStore) GetSwapByPreimageHash(ctx context.Context,
	hash lntypes.Hash) (*Swap, error) {

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		id = lookupIndex(root, preimageHashIndexKey, hash[:])
		if id == nil {
			return swaperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var h lntypes.Hash
	copy(h[:], id)
	return s.GetSwapByID(ctx, h)
}

// GetSwapByLockupAddress implements SwapStore.
func (s *boltSwapStore) GetSwapByLockupAddress(ctx context.Context,
	addr string) (*Swap, error) {

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		id = lookupIndex(root, lockupAddressIndexKey, []byte(addr))
		if id == nil {
			return swaperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var h lntypes.Hash
	copy(h[:], id)
	return s.GetSwapByID(ctx, h)
}

// GetSwapByInvoice implements SwapStore.
func (s *boltSwapStore) GetSwapByInvoice(ctx context.Context,
	invoice string) (*Swap, error) {

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		id = lookupIndex(root, invoiceIndexKey, []byte(invoice))
		if id == nil {
			return swaperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var h lntypes.Hash
	copy(h[:], id)
	return s.GetSwapByID(ctx, h)
}

// GetPendingSwaps implements SwapStore.
func (s *boltSwapStore) GetPendingSwaps(_ context.Context) ([]*Swap, error) {
	var swaps []*Swap
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapBucketKey)
		return root.ForEach(func(idBytes []byte, v []byte) error {
			// Index buckets and other non-swap keys are skipped;
			// only 32-byte swap-id sub-buckets are decoded.
			if v != nil || len(idBytes) != lntypes.HashSize {
				return nil
			}
			bucket := root.Bucket(idBytes)
			var id lntypes.Hash
			copy(id[:], idBytes)
			sw, err := decodeSwap(bucket, id)
			if err != nil {
				return err
			}
			if sw.Status.IsPending() {
				swaps = append(swaps, sw)
			}
			return nil
		})
	})
	return swaps, err
}

// GetReverseSwapByID implements SwapStore.
func (s *boltSwapStore) GetReverseSwapByID(_ context.Context,
	id lntypes.Hash) (*ReverseSwap, error) {

	var sw *ReverseSwap
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)
		bucket := root.Bucket(id[:])
		if bucket == nil {
			return swaperrors.ErrNotFound
		}
		var err error
		sw, err = decodeReverseSwap(bucket, id)
		return err
	})
	return sw, err
}

// GetReverseSwapByPreimageHash implements SwapStore.
func (s *boltSwapStore) GetReverseSwapByPreimageHash(ctx context.Context,
	hash lntypes.Hash) (*ReverseSwap, error) {

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)
		id = lookupIndex(root, preimageHashIndexKey, hash[:])
		if id == nil {
			return swaperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var h lntypes.Hash
	copy(h[:], id)
	return s.GetReverseSwapByID(ctx, h)
}

// GetReverseSwapByLockupAddress implements SwapStore.
func (s *boltSwapStore) GetReverseSwapByLockupAddress(ctx context.Context,
	addr string) (*ReverseSwap, error) {

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)
		id = lookupIndex(root, lockupAddressIndexKey, []byte(addr))
		if id == nil {
			return swaperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var h lntypes.Hash
	copy(h[:], id)
	return s.GetReverseSwapByID(ctx, h)
}

// GetPendingReverseSwaps implements SwapStore.
func (s *boltSwapStore) GetPendingReverseSwaps(_ context.Context) ([]*ReverseSwap, error) {
	var swaps []*ReverseSwap
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(reverseSwapBucketKey)
		return root.ForEach(func(idBytes []byte, v []byte) error {
			if v != nil || len(idBytes) != lntypes.HashSize {
				return nil
			}
			bucket := root.Bucket(idBytes)
			var id lntypes.Hash
			copy(id[:], idBytes)
			sw, err := decodeReverseSwap(bucket, id)
			if err != nil {
				return err
			}
			if sw.Status.IsPending() {
				swaps = append(swaps, sw)
			}
			return nil
		})
	})
	return swaps, err
}

// decodeSwap reassembles a Swap from its bucket contents.
func decodeSwap(bucket *bbolt.Bucket, id lntypes.Hash) (*Swap, error) {
	contract := bucket.Get(contractKey)
	if contract == nil {
		return nil, swaperrors.Wrap(
			swaperrors.InvariantViolation, swaperrors.DomainStore, 20,
			"missing contract record", nil,
		)
	}
	sw, err := DecodeSwapContract(contract)
	if err != nil {
		return nil, err
	}
	sw.ID = id

	if status := bucket.Get(statusKey); status != nil {
		sw.Status = SwapState(status[0])
	}
	if lockup := bucket.Get(lockupKey); lockup != nil {
		info, err := decodeTxInfo(lockup)
		if err != nil {
			return nil, err
		}
		sw.Lockup = info
	}
	if fee := bucket.Get(minerFeeKey); fee != nil {
		sw.MinerFee = btcutil.Amount(byteOrder.Uint64(fee))
	}

	return sw, nil
}

// decodeReverseSwap reassembles a ReverseSwap from its bucket contents.
func decodeReverseSwap(bucket *bbolt.Bucket, id lntypes.Hash) (*ReverseSwap, error) {
	contract := bucket.Get(contractKey)
	if contract == nil {
		return nil, swaperrors.Wrap(
			swaperrors.InvariantViolation, swaperrors.DomainStore, 20,
			"missing contract record", nil,
		)
	}
	sw, err := DecodeReverseSwapContract(contract)
	if err != nil {
		return nil, err
	}
	sw.ID = id

	if status := bucket.Get(statusKey); status != nil {
		sw.Status = ReverseSwapState(status[0])
	}
	if lockup := bucket.Get(lockupKey); lockup != nil {
		info, err := decodeTxInfo(lockup)
		if err != nil {
			return nil, err
		}
		sw.Lockup = info
	}
	if fee := bucket.Get(minerFeeKey); fee != nil {
		sw.MinerFee = btcutil.Amount(byteOrder.Uint64(fee))
	}

	return sw, nil
}

// appendUpdate writes a monotonically-sequenced update-log entry, the way
// loopdb's updateLoop uses NextSequence to give every transition an
// ordered, durable audit trail independent of the mutable status key.
func appendUpdate(updates *bbolt.Bucket, status string) error {
	seq, err := updates.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	byteOrder.PutUint64(key, seq)
	return updates.Put(key, []byte(status))
}

func putAmount(bucket *bbolt.Bucket, key []byte, amt btcutil.Amount) error {
	buf := make([]byte, 8)
	byteOrder.PutUint64(buf, uint64(amt))
	return bucket.Put(key, buf)
}

func encodeTxInfo(info *TransactionInfo) ([]byte, error) {
	buf := make([]byte, chainhash.HashSize+4+8+len(info.Hex))
	copy(buf[:chainhash.HashSize], info.TxID[:])
	byteOrder.PutUint32(buf[chainhash.HashSize:], info.Vout)
	byteOrder.PutUint64(buf[chainhash.HashSize+4:], uint64(info.Amount))
	copy(buf[chainhash.HashSize+12:], info.Hex)
	return buf, nil
}

func decodeTxInfo(buf []byte) (*TransactionInfo, error) {
	if len(buf) < chainhash.HashSize+12 {
		return nil, fmt.Errorf("transaction info record too short")
	}
	info := &TransactionInfo{}
	copy(info.TxID[:], buf[:chainhash.HashSize])
	info.Vout = byteOrder.Uint32(buf[chainhash.HashSize:])
	info.Amount = btcutil.Amount(byteOrder.Uint64(buf[chainhash.HashSize+4:]))
	info.Hex = append([]byte(nil), buf[chainhash.HashSize+12:]...)
	return info, nil
}

// lookupIndex reads a secondary index bucket for the given key, returning
// the swap id it maps to, or nil if absent.
func lookupIndex(root *bbolt.Bucket, indexName, key []byte) []byte {
	idx := root.Bucket(indexName)
	if idx == nil {
		return nil
	}
	return idx.Get(key)
}

// putIndex writes a secondary index entry, creating the index bucket on
// first use.
func putIndex(root *bbolt.Bucket, indexName, key, id []byte) error {
	idx, err := root.CreateBucketIfNotExists(indexName)
	if err != nil {
		return err
	}
	return idx.Put(key, id)
}
