package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"agora/internal/models"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 5 * time.Millisecond
)

type fakeConn struct {
	id     string
	userID uint

	mu     sync.Mutex
	frames []Envelope
	closed bool
	fail   error
}

func newFakeConn(id string, userID uint) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) UserID() uint { return c.userID }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, Envelope{Type: env.Type, Payload: env.Payload})
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) eventsOfType(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.Type == event {
			out = append(out, f.Payload.(json.RawMessage))
		}
	}
	return out
}

type emitted struct {
	userID  uint
	event   string
	payload interface{}
}

// recordingEmitter records deliveries; users listed in offline get ErrNotConnected.
type recordingEmitter struct {
	mu      sync.Mutex
	events  []emitted
	offline map[uint]bool
}

func (e *recordingEmitter) EmitToUser(_ context.Context, userID uint, event string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offline[userID] {
		return ErrNotConnected
	}
	e.events = append(e.events, emitted{userID: userID, event: event, payload: payload})
	return nil
}

func (e *recordingEmitter) BroadcastExcept(uint, string, interface{}) {}

func (e *recordingEmitter) typingFor(userID uint) []TypingPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []TypingPayload
	for _, ev := range e.events {
		if ev.userID == userID && ev.event == EventTypingUpdate {
			out = append(out, ev.payload.(TypingPayload))
		}
	}
	return out
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type staticResolver map[string][]uint

func (r staticResolver) Participants(_ context.Context, key string) ([]uint, error) {
	ids, ok := r[key]
	if !ok {
		return nil, models.NewNotFoundError("Conversation", key)
	}
	return ids, nil
}

type presenceCall struct {
	userID uint
	status models.OnlineStatus
	connID string
}

type stubPresenceStore struct {
	mu    sync.Mutex
	calls []presenceCall
	err   error
}

func (s *stubPresenceStore) UpdatePresence(_ context.Context, userID uint, status models.OnlineStatus, connID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{userID: userID, status: status, connID: connID})
	return s.err
}

var errWrite = errors.New("write failed")

func (s *stubPresenceStore) lastFor(userID uint) (presenceCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].userID == userID {
			return s.calls[i], true
		}
	}
	return presenceCall{}, false
}

// gatedPresenceStore holds offline writes until release is closed.
type gatedPresenceStore struct {
	stubPresenceStore
	entered     chan struct{}
	release     chan struct{}
	enteredOnce sync.Once
}

func newGatedPresenceStore() *gatedPresenceStore {
	return &gatedPresenceStore{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedPresenceStore) UpdatePresence(ctx context.Context, userID uint, status models.OnlineStatus, connID string, seen time.Time) error {
	if status == models.StatusOffline {
		s.enteredOnce.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.stubPresenceStore.UpdatePresence(ctx, userID, status, connID, seen)
}
