package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agora/internal/models"
	"agora/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintPtr(v uint) *uint { return &v }

// assertCode asserts that err is an AppError with the given code.
func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	assertCode(t, err, models.ErrCodeValidation)
}

type emitted struct {
	userID  uint
	event   string
	payload interface{}
}

// fakeHub records emitted events. Users are online unless listed in offline;
// users listed in failing get a delivery error.
type fakeHub struct {
	mu      sync.Mutex
	events  []emitted
	offline map[uint]bool
	failing map[uint]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{offline: map[uint]bool{}, failing: map[uint]bool{}}
}

func (h *fakeHub) EmitToUser(_ context.Context, userID uint, event string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline[userID] {
		return realtime.ErrNotConnected
	}
	if h.failing[userID] {
		return &realtime.DeliveryError{UserID: userID, ConnID: "test", Reason: "buffer_full"}
	}
	h.events = append(h.events, emitted{userID: userID, event: event, payload: payload})
	return nil
}

func (h *fakeHub) BroadcastExcept(uint, string, interface{}) {}

func (h *fakeHub) IsOnline(userID uint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.offline[userID]
}

func (h *fakeHub) received(userID uint, event string) []interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []interface{}
	for _, e := range h.events {
		if e.userID == userID && e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type published struct {
	topic   string
	event   string
	payload interface{}
}

type fakeTopics struct {
	mu     sync.Mutex
	events []published
}

func (f *fakeTopics) Publish(_ context.Context, topic, event string, payload interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{topic: topic, event: event, payload: payload})
	return 1
}

func (f *fakeTopics) ofEvent(event string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// notifierStub records Notify calls.
type notifierStub struct {
	mu    sync.Mutex
	calls []NotifyInput
	err   error
}

func (n *notifierStub) Notify(_ context.Context, in NotifyInput) (*models.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, in)
	if n.err != nil {
		return nil, n.err
	}
	return &models.Notification{RecipientID: in.RecipientID, SenderID: in.SenderID, Type: in.Type}, nil
}

func (n *notifierStub) inputs() []NotifyInput {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotifyInput(nil), n.calls...)
}
