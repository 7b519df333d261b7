// Package service implements the realtime core's business rules: comment
// trees, message fan-out, notification dedup and call signaling.
package service

import (
	"context"
	"sync"

	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
)

// Notifier creates notifications. NotificationService implements it.
type Notifier interface {
	Notify(ctx context.Context, in NotifyInput) (*models.Notification, error)
}

// TopicPublisher delivers an event to a topic's subscribers.
type TopicPublisher interface {
	Publish(ctx context.Context, topic, event string, payload interface{}) int
}

// Presence is the slice of the connection registry the call relay needs.
type Presence interface {
	realtime.Emitter
	IsOnline(userID uint) bool
}

// deliver emits to one user and swallows delivery failures. Other errors are
// logged. It reports whether the user received the event.
func deliver(ctx context.Context, em realtime.Emitter, userID uint, event string, payload interface{}) bool {
	err := em.EmitToUser(ctx, userID, event, payload)
	switch {
	case err == nil:
		return true
	case realtime.IsDeliveryFailure(err):
		// The registry already counted and logged the failed write.
		return false
	default:
		observability.LogAsyncOperationError(ctx, "deliver_"+event, err, map[string]interface{}{"user_id": userID})
		return false
	}
}

// keyedLocker hands out one mutex per key and forgets keys nobody holds.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedLocker) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func without(ids []uint, exclude uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
