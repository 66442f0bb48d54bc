package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func TestManagerPublishUpdate(t *testing.T) {
	mgr := NewManager()

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	subChan := mgr.Subscribe(subCtx, NotificationTypeSwapUpdate)

	hash := lntypes.Hash{0x01}
	mgr.PublishUpdate(SwapUpdate{ID: hash, Status: "TransactionMempool"})

	select {
	case payload := <-subChan:
		update, ok := payload.(SwapUpdate)
		require.True(t, ok)
		require.Equal(t, hash, update.ID)
		require.Equal(t, "TransactionMempool", update.Status)

	case <-time.After(time.Second):
		t.Fatal("timed out waiting for swap update")
	}
}

func TestManagerSubscriptionClosesOnCancel(t *testing.T) {
	mgr := NewManager()

	subCtx, subCancel := context.WithCancel(context.Background())
	subChan := mgr.Subscribe(subCtx, NotificationTypeSwapSuccess)

	subCancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-subChan:
			return !ok
		default:
			return false
		}
	}, time.Second*5, 10*time.Millisecond)
}

func TestManagerPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	mgr := NewManager()

	mgr.PublishFailure(SwapResult{
		Swap:      "unused",
		IsReverse: true,
		Reason:    "SwapExpired",
	})
}

func TestManagerDropsEventForSlowSubscriber(t *testing.T) {
	mgr := NewManager()

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	subChan := mgr.Subscribe(subCtx, NotificationTypeSwapUpdate)

	// Publish twice as many events as the subscriber's buffer holds: the
	// overflow must be dropped rather than block the publisher.
	for i := 0; i < 32; i++ {
		mgr.PublishUpdate(SwapUpdate{Status: "TransactionMempool"})
	}

	require.Len(t, subChan, cap(subChan))
}
