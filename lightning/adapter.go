// Package lightning wraps the lnd RPCs a swap needs — sending a payment,
// and managing the hold invoice side of a reverse swap — behind a small,
// swap-vocabulary API, with the retry and failure classification policy
// that belongs to a swap adapter rather than to lnd itself.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcswap/nursery/swaperrors"
	"github.com/btcswap/nursery/utils"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/channeldb"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// DefaultPaymentRetries is the number of transient-failure retries a
// payment attempt gets before it is surfaced as failed.
const DefaultPaymentRetries = 3

// PaymentResult is the outcome of a completed payInvoice call.
type PaymentResult struct {
	Preimage    lntypes.Preimage
	RoutingFee  btcutil.Amount
	Attempts    int
}

// EventKind identifies the kind of event delivered on Adapter.Events.
type EventKind int

const (
	EventInvoicePaid EventKind = iota
	EventInvoiceSettled
	EventInvoiceFailedToPay
	EventHtlcAccepted
	EventChannelBackup
)

// Event is a single notification emitted by the adapter about invoice or
// channel state relevant to a swap in progress.
type Event struct {
	Kind    EventKind
	Hash    lntypes.Hash
	Preimage lntypes.Preimage
	AmtMsat  int64
	Expiry   uint32
	Reason   FailureKind
	Backup   []byte
}

// Config bundles the lnd RPC surfaces the adapter drives. All fields are
// required.
type Config struct {
	Lightning lndclient.LightningClient
	Invoices  lndclient.InvoicesClient
	Router    lndclient.RouterClient

	// MaxPaymentRetries bounds retries on transient payment failures.
	// Defaults to DefaultPaymentRetries when zero.
	MaxPaymentRetries int
}

// Adapter is the C3 Lightning Adapter: it exposes payInvoice, hold invoice
// management, and an event stream, and owns the retry/failure-kind policy
// spec.md assigns to this component.
type Adapter struct {
	cfg Config

	events chan *Event
}

// New constructs an Adapter from cfg.
func New(cfg Config) *Adapter {
	if cfg.MaxPaymentRetries == 0 {
		cfg.MaxPaymentRetries = DefaultPaymentRetries
	}

	return &Adapter{
		cfg:    cfg,
		events: make(chan *Event, 100),
	}
}

// Events returns the channel adapter-level notifications are delivered on:
// invoice.settled, invoice.failedToPay and htlc.accepted. The adapter does
// not send EventInvoicePaid or EventChannelBackup events.
func (a *Adapter) Events() <-chan *Event {
	return a.events
}

// PayInvoice pays bolt11, whose payment hash is hash, retrying on transient
// failures up to the configured budget. It blocks until the payment reaches
// a terminal state or timeout elapses.
func (a *Adapter) PayInvoice(ctx context.Context, bolt11 string,
	hash lntypes.Hash, maxFee btcutil.Amount,
	timeout time.Duration) (*PaymentResult, error) {

	req := lndclient.SendPaymentRequest{
		Invoice: bolt11,
		MaxFee:  maxFee,
		Timeout: timeout,
	}

	var (
		lastErr    error
		lastReason FailureKind
	)

	for attempt := 1; attempt <= a.cfg.MaxPaymentRetries+1; attempt++ {
		status, err := a.awaitPayment(ctx, hash, &req)
		if err != nil {
			return nil, swaperrors.Wrap(
				swaperrors.TransientRpc, swaperrors.DomainLnd, 20,
				"payment dispatch failed", err,
			)
		}

		if status.State == lnrpc.Payment_SUCCEEDED {
			return &PaymentResult{
				Preimage: status.Preimage,
				RoutingFee: status.Fee.ToSatoshis(),
				Attempts: attempt,
			}, nil
		}

		lastReason = classifyFailureReason(status.FailureReason)
		lastErr = fmt.Errorf("payment failed: %v", status.FailureReason)

		if !lastReason.Retryable() {
			break
		}
	}

	return nil, swaperrors.Wrap(
		swaperrors.PaymentFailure, swaperrors.DomainLnd, 21,
		lastReason.String(), lastErr,
	)
}

// awaitPayment dispatches req and follows it to a terminal state, resuming
// via TrackPayment keyed on hash if lnd reports the payment was already in
// flight.
func (a *Adapter) awaitPayment(ctx context.Context, hash lntypes.Hash,
	req *lndclient.SendPaymentRequest) (*lndclient.PaymentStatus, error) {

	statusChan, errChan, err := a.cfg.Router.SendPayment(ctx, *req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case status := <-statusChan:
			switch status.State {
			case lnrpc.Payment_SUCCEEDED, lnrpc.Payment_FAILED:
				return &status, nil
			}

		case err := <-errChan:
			if !errors.Is(err, channeldb.ErrAlreadyPaid) {
				return nil, err
			}

			statusChan, errChan, err = a.cfg.Router.TrackPayment(
				ctx, hash,
			)
			if err != nil {
				return nil, err
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AddHoldInvoice creates a hold invoice for preimageHash that the payer
// must lock funds against before the service will reveal the preimage.
func (a *Adapter) AddHoldInvoice(ctx context.Context, preimageHash lntypes.Hash,
	amtMsat int64, expiry time.Duration, memo string) (string, error) {

	bolt11, err := a.cfg.Invoices.AddHoldInvoice(ctx, &invoicesrpc.AddInvoiceData{
		Memo:    memo,
		Value:   lnwire.NewMSatFromSatoshis(btcutil.Amount(amtMsat / 1000)),
		Hash:    &preimageHash,
		Expiry:  int64(expiry.Seconds()),
		Private: true,
	})
	if err != nil {
		return "", swaperrors.Wrap(
			swaperrors.TransientRpc, swaperrors.DomainLnd, 22,
			"add hold invoice", err,
		)
	}

	return bolt11, nil
}

// SettleInvoice releases the hold invoice tied to preimage, completing the
// payer's payment.
func (a *Adapter) SettleInvoice(ctx context.Context,
	preimage lntypes.Preimage) error {

	if err := a.cfg.Invoices.SettleInvoice(ctx, preimage); err != nil {
		return swaperrors.Wrap(
			swaperrors.TransientRpc, swaperrors.DomainLnd, 23,
			"settle invoice", err,
		)
	}

	a.events <- &Event{
		Kind:     EventInvoiceSettled,
		Hash:     preimage.Hash(),
		Preimage: preimage,
	}

	return nil
}

// CancelInvoice cancels the hold invoice for preimageHash, releasing any
// locked HTLCs without revealing a preimage.
func (a *Adapter) CancelInvoice(ctx context.Context,
	preimageHash lntypes.Hash) error {

	if err := a.cfg.Invoices.CancelInvoice(ctx, preimageHash); err != nil {
		return swaperrors.Wrap(
			swaperrors.TransientRpc, swaperrors.DomainLnd, 24,
			"cancel invoice", err,
		)
	}

	return nil
}

// SubscribeInvoice follows preimageHash's hold invoice state and emits
// htlc.accepted, invoice.settled and invoice.failedToPay events as it
// changes, until ctx is
// canceled. A dropped subscription is retried with backoff rather than
// giving up, since a hold invoice can outlive a transient lnd RPC hiccup.
func (a *Adapter) SubscribeInvoice(ctx context.Context,
	preimageHash lntypes.Hash) error {

	sub := &invoiceSubscription{
		adapter:      a,
		preimageHash: preimageHash,
	}

	utils.NewSubscriptionManager[lndclient.InvoiceUpdate](sub).Start(ctx)

	return nil
}

// invoiceSubscription adapts a single hold invoice's update stream to
// utils.Subscription, so SubscribeInvoice gets retry-with-backoff for free
// instead of giving up on the first transient error.
type invoiceSubscription struct {
	adapter      *Adapter
	preimageHash lntypes.Hash
}

func (s *invoiceSubscription) Subscribe(ctx context.Context) (
	<-chan lndclient.InvoiceUpdate, <-chan error, error) {

	return s.adapter.cfg.Invoices.SubscribeSingleInvoice(
		ctx, s.preimageHash,
	)
}

func (s *invoiceSubscription) HandleEvent(update lndclient.InvoiceUpdate) error {
	s.adapter.dispatchInvoiceUpdate(s.preimageHash, update)
	return nil
}

func (s *invoiceSubscription) HandleError(err error) {
	log.Errorf("invoice subscription for %v: %v", s.preimageHash, err)
}

func (a *Adapter) dispatchInvoiceUpdate(hash lntypes.Hash,
	update lndclient.InvoiceUpdate) {

	switch update.State {
	case invoices.ContractAccepted:
		a.events <- &Event{
			Kind:    EventHtlcAccepted,
			Hash:    hash,
			AmtMsat: int64(update.AmtPaid),
		}

	case invoices.ContractSettled:
		a.events <- &Event{Kind: EventInvoiceSettled, Hash: hash}

	case invoices.ContractCanceled:
		a.events <- &Event{
			Kind:   EventInvoiceFailedToPay,
			Hash:   hash,
			Reason: FailureTimeout,
		}
	}
}
