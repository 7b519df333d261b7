package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"agora/internal/observability"
)

// PostTopic names the subscription topic for a post's comment thread.
func PostTopic(postID uint) string {
	return fmt.Sprintf("post:%d", postID)
}

// TopicHub tracks which users follow which topics and delivers topic
// events to them through an Emitter.
type TopicHub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint]struct{}
	emitter Emitter
	log     *observability.WSLogger
}

// NewTopicHub returns an empty hub.
func NewTopicHub(emitter Emitter) *TopicHub {
	return &TopicHub{
		subs:    make(map[string]map[uint]struct{}),
		emitter: emitter,
		log:     observability.NewWSLogger("topics"),
	}
}

func (h *TopicHub) Subscribe(topic string, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint]struct{})
	}
	h.subs[topic][userID] = struct{}{}
}

func (h *TopicHub) Unsubscribe(topic string, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, userID)
}

// UnsubscribeAll drops every subscription held by userID.
func (h *TopicHub) UnsubscribeAll(_ context.Context, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.subs {
		h.removeLocked(topic, userID)
	}
}

// Subscribers returns the topic's subscribers in ascending id order.
func (h *TopicHub) Subscribers(topic string) []uint {
	h.mu.RLock()
	ids := make([]uint, 0, len(h.subs[topic]))
	for id := range h.subs[topic] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Publish emits an event to every subscriber and returns how many received it.
func (h *TopicHub) Publish(ctx context.Context, topic, event string, payload interface{}) int {
	delivered := 0
	for _, id := range h.Subscribers(topic) {
		err := h.emitter.EmitToUser(ctx, id, event, payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNotConnected):
		default:
			h.log.LogError(ctx, id, err, event)
		}
	}
	return delivered
}

func (h *TopicHub) removeLocked(topic string, userID uint) {
	set, ok := h.subs[topic]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(h.subs, topic)
	}
}
