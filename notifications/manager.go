// Package notifications implements the nursery's local event bus: the
// Swap Nursery is the sole publisher, and anything embedding the nursery
// (an API gateway, a CLI, a test) subscribes to the event types it cares
// about. There is no remote server to reconnect to — events are fanned out
// to in-process subscribers only.
package notifications

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
)

// NotificationType identifies the kind of event flowing through the bus.
type NotificationType int

const (
	// NotificationTypeUnknown is the zero value, never published.
	NotificationTypeUnknown NotificationType = iota

	// NotificationTypeSwapUpdate carries a SwapUpdate on every state
	// transition of an in-flight swap.
	NotificationTypeSwapUpdate

	// NotificationTypeSwapSuccess carries a SwapResult when a swap
	// reaches its terminal success state.
	NotificationTypeSwapSuccess

	// NotificationTypeSwapFailure carries a SwapResult when a swap
	// reaches a terminal failure state.
	NotificationTypeSwapFailure
)

// SwapUpdate is the payload for NotificationTypeSwapUpdate: spec.md's
// `(id, {status, transactionId?, transactionHex?, preimage?})` shape.
type SwapUpdate struct {
	ID             lntypes.Hash
	Status         string
	TransactionID  string
	TransactionHex string
	Preimage       *lntypes.Preimage
}

// SwapResult is the payload for NotificationTypeSwapSuccess and
// NotificationTypeSwapFailure: spec.md's `(swap, isReverse)` shape, with an
// optional failure reason.
type SwapResult struct {
	Swap      interface{}
	IsReverse bool
	Reason    string
}

// Manager is the C6 Event Bus: a subscriber-map keyed by notification type,
// guarded by a single mutex, with subscription lifecycle scoped to the
// context passed to Subscribe.
type Manager struct {
	subscribers map[NotificationType][]subscriber
	sync.Mutex
}

// NewManager creates a new, empty event bus.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[NotificationType][]subscriber),
	}
}

type subscriber struct {
	id       int
	recvChan chan interface{}
}

// Subscribe registers for events of notifType and returns the channel they
// arrive on. The subscription is torn down automatically when ctx is
// canceled.
func (m *Manager) Subscribe(ctx context.Context,
	notifType NotificationType) <-chan interface{} {

	notifChan := make(chan interface{}, 16)

	m.Lock()
	id := len(m.subscribers[notifType])
	sub := subscriber{id: id, recvChan: notifChan}
	m.subscribers[notifType] = append(m.subscribers[notifType], sub)
	m.Unlock()

	go func() {
		<-ctx.Done()
		m.removeSubscriber(notifType, sub)
		close(notifChan)
	}()

	return notifChan
}

// PublishUpdate fans update out to every swap.update subscriber.
func (m *Manager) PublishUpdate(update SwapUpdate) {
	m.publish(NotificationTypeSwapUpdate, update)
}

// PublishSuccess fans result out to every swap.success subscriber.
func (m *Manager) PublishSuccess(result SwapResult) {
	m.publish(NotificationTypeSwapSuccess, result)
}

// PublishFailure fans result out to every swap.failure subscriber.
func (m *Manager) PublishFailure(result SwapResult) {
	m.publish(NotificationTypeSwapFailure, result)
}

// publish is the only way a value reaches subscribers: it takes a value,
// not a callback, so a subscriber can never call back into the publisher.
func (m *Manager) publish(notifType NotificationType, payload interface{}) {
	m.Lock()
	subs := m.subscribers[notifType]
	m.Unlock()

	for _, sub := range subs {
		select {
		case sub.recvChan <- payload:
		default:
			log.Warnf("subscriber %d of type %v is not keeping up, "+
				"dropping event", sub.id, notifType)
		}
	}
}

func (m *Manager) removeSubscriber(notifType NotificationType, sub subscriber) {
	m.Lock()
	defer m.Unlock()

	subs := m.subscribers[notifType]
	newSubs := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		if s.id != sub.id {
			newSubs = append(newSubs, s)
		}
	}
	m.subscribers[notifType] = newSubs
}
