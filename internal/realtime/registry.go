package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"agora/internal/models"
	"agora/internal/observability"
)

// PresenceStore persists a user's presence columns.
type PresenceStore interface {
	UpdatePresence(ctx context.Context, userID uint, status models.OnlineStatus, connectionID string, seenAt time.Time) error
}

// DisconnectHook runs synchronously when a user's current handle goes away.
type DisconnectHook func(ctx context.Context, userID uint)

// lifecycleStripes bounds the per-user locks that order Register and
// Unregister side effects.
const lifecycleStripes = 64

type entry struct {
	conn   Conn
	status models.OnlineStatus
}

// Registry maps each user to at most one live connection handle.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint]*entry
	hooks []DisconnectHook

	// lifecycle serializes a user's Register and Unregister, side effects
	// included, so a late offline write cannot follow a newer online one.
	lifecycle [lifecycleStripes]sync.Mutex

	store  PresenceStore
	mirror *RedisPresence
	log    *observability.WSLogger
	now    func() time.Time
}

// NewRegistry creates an empty registry. store and mirror may be nil.
func NewRegistry(store PresenceStore, mirror *RedisPresence) *Registry {
	return &Registry{
		conns:  make(map[uint]*entry),
		store:  store,
		mirror: mirror,
		log:    observability.NewWSLogger("registry"),
		now:    time.Now,
	}
}

// OnDisconnect adds a hook run on every effective unregister.
func (r *Registry) OnDisconnect(h DisconnectHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Register makes conn the user's live handle. A previous handle is
// superseded and closed; its later Unregister is a no-op.
func (r *Registry) Register(ctx context.Context, userID uint, conn Conn) {
	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = &entry{conn: conn, status: models.StatusOnline}
	r.mu.Unlock()

	if prev != nil && prev.conn != conn {
		prev.conn.Close()
		r.log.LogDisconnect(ctx, userID, prev.conn.ID(), "superseded")
	} else {
		observability.WebSocketConnections.Inc()
	}
	r.log.LogConnect(ctx, userID, conn.ID())

	seen := r.now()
	r.persist(ctx, userID, models.StatusOnline, conn.ID(), seen)
	if err := r.mirror.MarkOnline(ctx, userID); err != nil {
		r.log.LogError(ctx, userID, err, "presence_mirror")
	}
	r.BroadcastExcept(userID, EventPresenceChanged, PresencePayload{
		UserID:     userID,
		IsOnline:   true,
		Status:     models.StatusOnline,
		LastSeenAt: seen,
	})
}

// Unregister removes conn if it is still the user's current handle and
// reports whether it did.
func (r *Registry) Unregister(ctx context.Context, conn Conn) bool {
	userID := conn.UserID()
	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.mu.Unlock()

	observability.WebSocketConnections.Dec()
	r.log.LogDisconnect(ctx, userID, conn.ID(), "closed")

	seen := r.now()
	r.persist(ctx, userID, models.StatusOffline, "", seen)
	if err := r.mirror.MarkOffline(ctx, userID); err != nil {
		r.log.LogError(ctx, userID, err, "presence_mirror")
	}

	for _, h := range hooks {
		h(ctx, userID)
	}

	r.BroadcastExcept(userID, EventPresenceChanged, PresencePayload{
		UserID:     userID,
		IsOnline:   false,
		Status:     models.StatusOffline,
		LastSeenAt: seen,
	})
	return true
}

// Lookup returns the user's current handle.
func (r *Registry) Lookup(userID uint) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// IsOnline reports whether the user has a live handle.
func (r *Registry) IsOnline(userID uint) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// OnlineUserIDs returns connected users in ascending id order.
func (r *Registry) OnlineUserIDs() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Touch refreshes the Redis last-seen key for a live user.
func (r *Registry) Touch(ctx context.Context, userID uint) {
	if err := r.mirror.Touch(ctx, userID); err != nil {
		r.log.LogError(ctx, userID, err, "presence_mirror")
	}
}

// SetStatus changes a connected user's advertised status.
func (r *Registry) SetStatus(ctx context.Context, userID uint, status models.OnlineStatus) error {
	if !status.Valid() || status == models.StatusOffline {
		return models.NewValidationError("Invalid status")
	}

	r.mu.Lock()
	e, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return ErrNotConnected
	}
	e.status = status
	connID := e.conn.ID()
	r.mu.Unlock()

	seen := r.now()
	r.persist(ctx, userID, status, connID, seen)
	r.BroadcastExcept(userID, EventPresenceChanged, PresencePayload{
		UserID:     userID,
		IsOnline:   true,
		Status:     status,
		LastSeenAt: seen,
	})
	return nil
}

// EmitToUser delivers one event to the user's live handle.
func (r *Registry) EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error {
	conn, ok := r.Lookup(userID)
	if !ok {
		return ErrNotConnected
	}
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		observability.RecordDeliveryFailure(event, deliveryReason(err))
		r.log.LogError(ctx, userID, err, event)
		return err
	}
	observability.RecordEvent(event)
	return nil
}

// BroadcastExcept delivers an event to every connected user but one.
// Failures are logged and dropped.
func (r *Registry) BroadcastExcept(userID uint, event string, payload interface{}) {
	frame, err := Encode(event, payload)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for id, e := range r.conns {
		if id != userID {
			targets = append(targets, e.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			observability.RecordDeliveryFailure(event, deliveryReason(err))
			r.log.LogError(context.Background(), c.UserID(), err, event)
			continue
		}
		observability.RecordEvent(event)
	}
}

// Shutdown closes every handle without running disconnect hooks.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.conns = make(map[uint]*entry)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
		r.persist(ctx, c.UserID(), models.StatusOffline, "", r.now())
		if err := r.mirror.MarkOffline(ctx, c.UserID()); err != nil {
			r.log.LogError(ctx, c.UserID(), err, "presence_mirror")
		}
	}
	observability.WebSocketConnections.Sub(float64(len(conns)))
	r.log.LogLifecycle(ctx, "shutdown", map[string]interface{}{"closed": len(conns)})
	return ctx.Err()
}

func (r *Registry) lockUser(userID uint) func() {
	l := &r.lifecycle[userID%lifecycleStripes]
	l.Lock()
	return l.Unlock
}

func (r *Registry) persist(ctx context.Context, userID uint, status models.OnlineStatus, connID string, seen time.Time) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdatePresence(ctx, userID, status, connID, seen); err != nil {
		observability.LogAsyncOperationError(ctx, "update_presence", err, map[string]interface{}{"user_id": userID})
	}
}

func deliveryReason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	return "write_error"
}
