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

const defaultTypingTimeout = time.Second

// ParticipantResolver returns the user ids taking part in a conversation.
type ParticipantResolver interface {
	Participants(ctx context.Context, conversationKey string) ([]uint, error)
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingAggregator collapses keystroke-rate typing signals into a per
// conversation set of typing users that expires after a period of silence.
type TypingAggregator struct {
	mu      sync.Mutex
	sets    map[string]map[uint]*typingEntry
	gen     uint64
	stopped bool

	emitter  Emitter
	resolver ParticipantResolver
	timeout  time.Duration
	log      *observability.WSLogger
}

// NewTypingAggregator creates an aggregator whose entries expire after timeout.
func NewTypingAggregator(emitter Emitter, resolver ParticipantResolver, timeout time.Duration) *TypingAggregator {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}
	return &TypingAggregator{
		sets:     make(map[string]map[uint]*typingEntry),
		emitter:  emitter,
		resolver: resolver,
		timeout:  timeout,
		log:      observability.NewWSLogger("typing"),
	}
}

// SetTyping records a typing signal from userID in the conversation and
// emits the resulting set to the other participants.
func (a *TypingAggregator) SetTyping(ctx context.Context, conversationKey string, userID uint, isTyping bool) error {
	participants, err := a.resolver.Participants(ctx, conversationKey)
	if err != nil {
		return err
	}
	if !contains(participants, userID) {
		return models.NewForbiddenError("Not a participant in this conversation")
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}

	set := a.sets[conversationKey]
	cur, present := set[userID]
	if !isTyping {
		if !present {
			a.mu.Unlock()
			return nil
		}
		a.removeLocked(conversationKey, userID, cur)
	} else {
		if present {
			cur.timer.Stop()
		} else {
			if set == nil {
				set = make(map[uint]*typingEntry)
				a.sets[conversationKey] = set
			}
			cur = &typingEntry{}
			set[userID] = cur
			observability.TypingUsers.Inc()
		}
		a.gen++
		gen := a.gen
		cur.gen = gen
		cur.timer = time.AfterFunc(a.timeout, func() {
			a.expire(conversationKey, userID, gen)
		})
	}
	snapshot := a.snapshotLocked(conversationKey)
	a.mu.Unlock()

	a.emit(ctx, conversationKey, userID, participants, snapshot)
	return nil
}

// Typing returns the users currently typing in a conversation.
func (a *TypingAggregator) Typing(conversationKey string) []uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(conversationKey)
}

// FlushUser removes userID from every conversation and emits a stop for each.
func (a *TypingAggregator) FlushUser(ctx context.Context, userID uint) {
	type flushed struct {
		key      string
		snapshot []uint
	}

	a.mu.Lock()
	var out []flushed
	for key, set := range a.sets {
		e, ok := set[userID]
		if !ok {
			continue
		}
		a.removeLocked(key, userID, e)
		out = append(out, flushed{key: key, snapshot: a.snapshotLocked(key)})
	}
	a.mu.Unlock()

	for _, f := range out {
		participants, err := a.resolver.Participants(ctx, f.key)
		if err != nil {
			a.log.LogError(ctx, userID, err, EventTypingUpdate)
			continue
		}
		a.emit(ctx, f.key, userID, participants, f.snapshot)
	}
}

// Stop cancels every pending timer. Later calls to SetTyping are ignored.
func (a *TypingAggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for key, set := range a.sets {
		for userID, e := range set {
			a.removeLocked(key, userID, e)
		}
	}
}

func (a *TypingAggregator) expire(conversationKey string, userID uint, gen uint64) {
	a.mu.Lock()
	e, ok := a.sets[conversationKey][userID]
	if !ok || e.gen != gen || a.stopped {
		a.mu.Unlock()
		return
	}
	a.removeLocked(conversationKey, userID, e)
	snapshot := a.snapshotLocked(conversationKey)
	a.mu.Unlock()

	ctx := context.Background()
	participants, err := a.resolver.Participants(ctx, conversationKey)
	if err != nil {
		a.log.LogError(ctx, userID, err, EventTypingUpdate)
		return
	}
	a.emit(ctx, conversationKey, userID, participants, snapshot)
}

func (a *TypingAggregator) removeLocked(conversationKey string, userID uint, e *typingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(a.sets[conversationKey], userID)
	if len(a.sets[conversationKey]) == 0 {
		delete(a.sets, conversationKey)
	}
	observability.TypingUsers.Dec()
}

func (a *TypingAggregator) snapshotLocked(conversationKey string) []uint {
	set := a.sets[conversationKey]
	ids := make([]uint, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *TypingAggregator) emit(ctx context.Context, conversationKey string, actor uint, participants, typing []uint) {
	payload := TypingPayload{ConversationID: conversationKey, TypingUserIDs: typing}
	for _, p := range participants {
		if p == actor {
			continue
		}
		err := a.emitter.EmitToUser(ctx, p, EventTypingUpdate, payload)
		if err != nil && !errors.Is(err, ErrNotConnected) {
			a.log.LogError(ctx, p, err, EventTypingUpdate)
		}
	}
}

func contains(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
