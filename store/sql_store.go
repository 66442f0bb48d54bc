package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcswap/nursery/swap"
	"github.com/btcswap/nursery/swaperrors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/lightningnetwork/lnd/lntypes"
)

func outputTypeFromUint8(v uint8) swap.HtlcOutputType {
	return swap.HtlcOutputType(v)
}

func amountFromInt64(v int64) btcutil.Amount {
	return btcutil.Amount(v)
}

// sqlSwapStore is the secondary SwapStore backend for deployments that
// already operate a relational database (Postgres or SQLite) for other
// services. It satisfies the identical SwapStore interface the primary
// bbolt store does; bbolt remains the default (see DESIGN.md for why).
type sqlSwapStore struct {
	db *sql.DB
}

// NewSQLSwapStore opens a relational-backed SwapStore using an
// already-migrated database handle. Migrations are expected to have been
// run via RunMigrations beforehand.
func NewSQLSwapStore(db *sql.DB) SwapStore {
	return &sqlSwapStore{db: db}
}

// RunMigrations applies the swap/reverse-swap schema using golang-migrate,
// mirroring loopdb's migration bootstrap.
func RunMigrations(driver database.Driver, dbName, migrationsSourceURL string) error {
	m, err := migrate.NewWithDatabaseInstance(migrationsSourceURL, dbName, driver)
	if err != nil {
		return fmt.Errorf("unable to create migration instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the same pgerrcode branch loopdb's postgres.go uses to map a
// duplicate insert onto ErrAlreadyExists instead of a generic SQL error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

const insertSwapQuery = `
INSERT INTO swaps (
	id, pair, order_side, invoice, preimage_hash, redeem_script,
	lockup_address, output_type, key_index, expected_amount,
	accept_zero_conf, timeout_block_height, htlc_confirmations,
	status, percentage_fee, creation_height, refund_public_key, label
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

// CreateSwap implements SwapStore.
func (s *sqlSwapStore) CreateSwap(ctx context.Context, sw *Swap) error {
	_, err := s.db.ExecContext(
		ctx, insertSwapQuery,
		sw.ID[:], sw.Pair, uint8(sw.OrderSide), sw.Invoice,
		sw.PreimageHash[:], sw.RedeemScript, sw.LockupAddress,
		uint8(sw.OutputType), sw.KeyIndex, int64(sw.ExpectedAmount),
		sw.AcceptZeroConf, sw.TimeoutBlockHeight, sw.HtlcConfirmations,
		uint8(sw.Status), int64(sw.PercentageFee), sw.CreationHeight,
		sw.RefundPublicKey[:], sw.Label,
	)
	if isUniqueViolation(err) {
		return swaperrors.ErrAlreadyExists
	}
	return err
}

const insertReverseSwapQuery = `
INSERT INTO reverse_swaps (
	id, pair, order_side, preimage_hash, claim_public_key, redeem_script,
	lockup_address, output_type, key_index, onchain_amount,
	invoice_amount, timeout_block_height, htlc_confirmations, status,
	percentage_fee, creation_height, label
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

// CreateReverseSwap implements SwapStore.
func (s *sqlSwapStore) CreateReverseSwap(ctx context.Context, sw *ReverseSwap) error {
	_, err := s.db.ExecContext(
		ctx, insertReverseSwapQuery,
		sw.ID[:], sw.Pair, uint8(sw.OrderSide), sw.PreimageHash[:],
		sw.ClaimPublicKey[:], sw.RedeemScript, sw.LockupAddress,
		uint8(sw.OutputType), sw.KeyIndex, int64(sw.OnchainAmount),
		int64(sw.InvoiceAmount), sw.TimeoutBlockHeight,
		sw.HtlcConfirmations, uint8(sw.Status),
		int64(sw.PercentageFee), sw.CreationHeight, sw.Label,
	)
	if isUniqueViolation(err) {
		return swaperrors.ErrAlreadyExists
	}
	return err
}

// UpdateSwap implements SwapStore. The WHERE clause on status excludes the
// current status from matching, making a repeated (id, targetStatus)
// update a zero-row no-op rather than an error.
func (s *sqlSwapStore) UpdateSwap(ctx context.Context, sw *Swap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swaps
		SET status = $2, miner_fee = $3
		WHERE id = $1 AND status != $2
	`, sw.ID[:], uint8(sw.Status), int64(sw.MinerFee))
	return err
}

// UpdateReverseSwap implements SwapStore.
func (s *sqlSwapStore) UpdateReverseSwap(ctx context.Context, sw *ReverseSwap) error {
	var preimage []byte
	if sw.Preimage != nil {
		preimage = sw.Preimage[:]
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE reverse_swaps
		SET status = $2, miner_fee = $3, preimage = $4
		WHERE id = $1 AND status != $2
	`, sw.ID[:], uint8(sw.Status), int64(sw.MinerFee), preimage)
	return err
}

const selectSwapQuery = `
SELECT id, pair, order_side, invoice, preimage_hash, redeem_script,
	lockup_address, output_type, key_index, expected_amount,
	accept_zero_conf, timeout_block_height, htlc_confirmations, status,
	percentage_fee, creation_height, miner_fee, refund_public_key, label
FROM swaps
`

func (s *sqlSwapStore) scanSwap(row *sql.Row) (*Swap, error) {
	sw := &Swap{}
	var id, preimageHash, refundPubKey []byte
	var orderSide, outputType, status uint8
	var expectedAmount, percentageFee, minerFee int64

	err := row.Scan(
		&id, &sw.Pair, &orderSide, &sw.Invoice, &preimageHash,
		&sw.RedeemScript, &sw.LockupAddress, &outputType, &sw.KeyIndex,
		&expectedAmount, &sw.AcceptZeroConf, &sw.TimeoutBlockHeight,
		&sw.HtlcConfirmations, &status, &percentageFee,
		&sw.CreationHeight, &minerFee, &refundPubKey, &sw.Label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swaperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(sw.ID[:], id)
	copy(sw.PreimageHash[:], preimageHash)
	copy(sw.RefundPublicKey[:], refundPubKey)
	sw.OrderSide = OrderSide(orderSide)
	sw.OutputType = outputTypeFromUint8(outputType)
	sw.Status = SwapState(status)
	sw.ExpectedAmount = amountFromInt64(expectedAmount)
	sw.PercentageFee = amountFromInt64(percentageFee)
	sw.MinerFee = amountFromInt64(minerFee)

	return sw, nil
}

// GetSwapByID implements SwapStore.
func (s *sqlSwapStore) GetSwapByID(ctx context.Context, id lntypes.Hash) (*Swap, error) {
	row := s.db.QueryRowContext(ctx, selectSwapQuery+" WHERE id = $1", id[:])
	return s.scanSwap(row)
}

// GetSwapByPreimageHash implements SwapStore.
func (s *sqlSwapStore) GetSwapByPreimageHash(ctx context.Context,
	hash lntypes.Hash) (*Swap, error) {

	row := s.db.QueryRowContext(
		ctx, selectSwapQuery+" WHERE preimage_hash = $1", hash[:],
	)
	return s.scanSwap(row)
}

// GetSwapByLockupAddress implements SwapStore.
func (s *sqlSwapStore) GetSwapByLockupAddress(ctx context.Context,
	addr string) (*Swap, error) {

	row := s.db.QueryRowContext(
		ctx, selectSwapQuery+" WHERE lockup_address = $1", addr,
	)
	return s.scanSwap(row)
}

// GetSwapByInvoice implements SwapStore.
func (s *sqlSwapStore) GetSwapByInvoice(ctx context.Context,
	invoice string) (*Swap, error) {

	row := s.db.QueryRowContext(
		ctx, selectSwapQuery+" WHERE invoice = $1", invoice,
	)
	return s.scanSwap(row)
}

// GetPendingSwaps implements SwapStore. The terminal statuses are excluded
// with NOT IN rather than the pending ones listed with IN, so adding a new
// non-terminal status can never silently exclude swaps stuck in it from
// recovery.
func (s *sqlSwapStore) GetPendingSwaps(ctx context.Context) ([]*Swap, error) {
	rows, err := s.db.QueryContext(ctx, selectSwapQuery+`
		WHERE status NOT IN ($1, $2, $3)
	`, uint8(StateTransactionClaimed), uint8(StateInvoiceFailedToPay),
		uint8(StateSwapExpired),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Swap
	for rows.Next() {
		sw, err := s.scanSwapRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *sqlSwapStore) scanSwapRows(rows *sql.Rows) (*Swap, error) {
	sw := &Swap{}
	var id, preimageHash, refundPubKey []byte
	var orderSide, outputType, status uint8
	var expectedAmount, percentageFee, minerFee int64

	err := rows.Scan(
		&id, &sw.Pair, &orderSide, &sw.Invoice, &preimageHash,
		&sw.RedeemScript, &sw.LockupAddress, &outputType, &sw.KeyIndex,
		&expectedAmount, &sw.AcceptZeroConf, &sw.TimeoutBlockHeight,
		&sw.HtlcConfirmations, &status, &percentageFee,
		&sw.CreationHeight, &minerFee, &refundPubKey, &sw.Label,
	)
	if err != nil {
		return nil, err
	}

	copy(sw.ID[:], id)
	copy(sw.PreimageHash[:], preimageHash)
	copy(sw.RefundPublicKey[:], refundPubKey)
	sw.OrderSide = OrderSide(orderSide)
	sw.OutputType = outputTypeFromUint8(outputType)
	sw.Status = SwapState(status)
	sw.ExpectedAmount = amountFromInt64(expectedAmount)
	sw.PercentageFee = amountFromInt64(percentageFee)
	sw.MinerFee = amountFromInt64(minerFee)

	return sw, nil
}

// Reverse-swap reads mirror the submarine-swap ones above and add the claim
// key, preimage and invoice/onchain amounts.

const selectReverseSwapQuery = `
SELECT id, pair, order_side, preimage_hash, preimage, claim_public_key,
	redeem_script, lockup_address, output_type, key_index,
	onchain_amount, invoice_amount, timeout_block_height,
	htlc_confirmations, status, percentage_fee, creation_height, miner_fee,
	label
FROM reverse_swaps
`

func (s *sqlSwapStore) scanReverseSwap(row *sql.Row) (*ReverseSwap, error) {
	sw := &ReverseSwap{}
	var id, preimageHash, preimage, claimKey []byte
	var orderSide, outputType, status uint8
	var onchainAmount, invoiceAmount, percentageFee, minerFee int64

	err := row.Scan(
		&id, &sw.Pair, &orderSide, &preimageHash, &preimage, &claimKey,
		&sw.RedeemScript, &sw.LockupAddress, &outputType, &sw.KeyIndex,
		&onchainAmount, &invoiceAmount, &sw.TimeoutBlockHeight,
		&sw.HtlcConfirmations, &status, &percentageFee,
		&sw.CreationHeight, &minerFee, &sw.Label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swaperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(sw.ID[:], id)
	copy(sw.PreimageHash[:], preimageHash)
	copy(sw.ClaimPublicKey[:], claimKey)
	if len(preimage) == lntypes.HashSize {
		var p lntypes.Preimage
		copy(p[:], preimage)
		sw.Preimage = &p
	}
	sw.OrderSide = OrderSide(orderSide)
	sw.OutputType = outputTypeFromUint8(outputType)
	sw.Status = ReverseSwapState(status)
	sw.OnchainAmount = amountFromInt64(onchainAmount)
	sw.InvoiceAmount = amountFromInt64(invoiceAmount)
	sw.PercentageFee = amountFromInt64(percentageFee)
	sw.MinerFee = amountFromInt64(minerFee)

	return sw, nil
}

// GetReverseSwapByID implements SwapStore.
func (s *sqlSwapStore) GetReverseSwapByID(ctx context.Context,
	id lntypes.Hash) (*ReverseSwap, error) {

	row := s.db.QueryRowContext(ctx, selectReverseSwapQuery+" WHERE id = $1", id[:])
	return s.scanReverseSwap(row)
}

// GetReverseSwapByPreimageHash implements SwapStore.
func (s *sqlSwapStore) GetReverseSwapByPreimageHash(ctx context.Context,
	hash lntypes.Hash) (*ReverseSwap, error) {

	row := s.db.QueryRowContext(
		ctx, selectReverseSwapQuery+" WHERE preimage_hash = $1", hash[:],
	)
	return s.scanReverseSwap(row)
}

// GetReverseSwapByLockupAddress implements SwapStore.
func (s *sqlSwapStore) GetReverseSwapByLockupAddress(ctx context.Context,
	addr string) (*ReverseSwap, error) {

	row := s.db.QueryRowContext(
		ctx, selectReverseSwapQuery+" WHERE lockup_address = $1", addr,
	)
	return s.scanReverseSwap(row)
}

// GetPendingReverseSwaps implements SwapStore.
func (s *sqlSwapStore) GetPendingReverseSwaps(ctx context.Context) ([]*ReverseSwap, error) {
	rows, err := s.db.QueryContext(ctx, selectReverseSwapQuery+`
		WHERE status NOT IN ($1, $2, $3)
	`, uint8(ReverseStateInvoiceSettled), uint8(ReverseStateTransactionFailed),
		uint8(ReverseStateTransactionRefunded),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReverseSwap
	for rows.Next() {
		sw := &ReverseSwap{}
		var id, preimageHash, preimage, claimKey []byte
		var orderSide, outputType, status uint8
		var onchainAmount, invoiceAmount, percentageFee, minerFee int64

		err := rows.Scan(
			&id, &sw.Pair, &orderSide, &preimageHash, &preimage,
			&claimKey, &sw.RedeemScript, &sw.LockupAddress,
			&outputType, &sw.KeyIndex, &onchainAmount, &invoiceAmount,
			&sw.TimeoutBlockHeight, &sw.HtlcConfirmations, &status,
			&percentageFee, &sw.CreationHeight, &minerFee, &sw.Label,
		)
		if err != nil {
			return nil, err
		}

		copy(sw.ID[:], id)
		copy(sw.PreimageHash[:], preimageHash)
		copy(sw.ClaimPublicKey[:], claimKey)
		if len(preimage) == lntypes.HashSize {
			var p lntypes.Preimage
			copy(p[:], preimage)
			sw.Preimage = &p
		}
		sw.OrderSide = OrderSide(orderSide)
		sw.OutputType = outputTypeFromUint8(outputType)
		sw.Status = ReverseSwapState(status)
		sw.OnchainAmount = amountFromInt64(onchainAmount)
		sw.InvoiceAmount = amountFromInt64(invoiceAmount)
		sw.PercentageFee = amountFromInt64(percentageFee)
		sw.MinerFee = amountFromInt64(minerFee)

		out = append(out, sw)
	}
	return out, rows.Err()
}

// Close implements SwapStore.
func (s *sqlSwapStore) Close() error {
	return s.db.Close()
}
