package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSubscription implements Subscription[int], failing the first
// subscribeFailures attempts before delivering deliver on eventChan and then
// closing it.
type recordingSubscription struct {
	mu sync.Mutex

	subscribeFailures int
	subscribeAttempts int

	deliver []int
	events  []int
	errors  []error
}

func (r *recordingSubscription) Subscribe(context.Context) (
	<-chan int, <-chan error, error) {

	r.mu.Lock()
	r.subscribeAttempts++
	attempt := r.subscribeAttempts
	r.mu.Unlock()

	if attempt <= r.subscribeFailures {
		return nil, nil, errors.New("subscribe failed")
	}

	eventChan := make(chan int, len(r.deliver))
	for _, e := range r.deliver {
		eventChan <- e
	}
	close(eventChan)

	return eventChan, make(chan error), nil
}

func (r *recordingSubscription) HandleEvent(event int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

func (r *recordingSubscription) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, err)
}

func (r *recordingSubscription) Events() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int(nil), r.events...)
}

func TestSubscriptionManagerDeliversEvents(t *testing.T) {
	sub := &recordingSubscription{deliver: []int{1, 2, 3}}
	mgr := NewSubscriptionManager[int](sub)
	mgr.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)

	require.Eventually(t, func() bool {
		return len(sub.Events()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []int{1, 2, 3}, sub.Events())
}

func TestSubscriptionManagerRetriesAfterSubscribeFailure(t *testing.T) {
	sub := &recordingSubscription{
		subscribeFailures: 2,
		deliver:           []int{42},
	}
	mgr := NewSubscriptionManager[int](sub)
	mgr.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)

	require.Eventually(t, func() bool {
		return len(sub.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []int{42}, sub.Events())
}

func TestSubscriptionManagerIsSubscribed(t *testing.T) {
	sub := &recordingSubscription{}
	mgr := NewSubscriptionManager[int](sub)
	mgr.backoff = time.Millisecond

	require.False(t, mgr.IsSubscribed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)

	require.Eventually(t, mgr.IsSubscribed, time.Second, 5*time.Millisecond)
}

func TestSubscriptionManagerStopEndsRetryLoop(t *testing.T) {
	sub := &recordingSubscription{subscribeFailures: 1000}
	mgr := NewSubscriptionManager[int](sub)
	mgr.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	mgr.Stop()

	require.Eventually(t, func() bool {
		return !mgr.IsSubscribed()
	}, time.Second, 5*time.Millisecond)
}
