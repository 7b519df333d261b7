package featureflags

// Flag names a feature flag the realtime core evaluates.
type Flag string

const (
	// NotificationDedupPerSender collapses unread message notifications per
	// sender instead of per conversation.
	NotificationDedupPerSender Flag = "notification_dedup_per_sender"
	// RealtimeRateLimit throttles inbound WebSocket frames per user.
	RealtimeRateLimit Flag = "realtime_rate_limit"
)

// Known lists every flag in evaluation order.
var Known = []Flag{NotificationDedupPerSender, RealtimeRateLimit}

func (f Flag) known() bool {
	for _, k := range Known {
		if k == f {
			return true
		}
	}
	return false
}

// DedupScope is what unread message notifications collapse on.
type DedupScope string

const (
	DedupPerConversation DedupScope = "conversation"
	DedupPerSender       DedupScope = "sender"
)
