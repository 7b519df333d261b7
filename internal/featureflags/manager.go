package featureflags

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Manager evaluates flags parsed from a comma-separated list such as
// "notification_dedup_per_sender=on,realtime_rate_limit=25%".
//
// Values are on/true/1, off/false/0 or a rollout percentage. A percentage
// buckets users deterministically per flag. Unknown names and unparsable
// values are kept aside and never enable anything.
type Manager struct {
	rollouts map[Flag]rollout
	invalid  map[string]string
}

type rollout struct {
	raw     string
	percent int
}

// NewManager parses raw. A nil *Manager is valid and disables every flag.
func NewManager(raw string) *Manager {
	m := &Manager{
		rollouts: make(map[Flag]rollout),
		invalid:  make(map[string]string),
	}

	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, "=")
		name, value = normalize(name), normalize(value)
		if !ok || name == "" || value == "" {
			continue
		}

		flag := Flag(name)
		percent, valid := parsePercent(value)
		if !flag.known() || !valid {
			m.invalid[name] = value
			continue
		}
		m.rollouts[flag] = rollout{raw: value, percent: percent}
	}
	return m
}

func parsePercent(value string) (int, bool) {
	switch value {
	case "on", "true", "1":
		return 100, true
	case "off", "false", "0":
		return 0, true
	}
	digits, ok := strings.CutSuffix(value, "%")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(digits)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// Enabled reports whether flag covers userID. Partial rollouts never cover
// the zero user.
func (m *Manager) Enabled(flag Flag, userID uint) bool {
	if m == nil {
		return false
	}
	r, ok := m.rollouts[flag]
	switch {
	case !ok || r.percent <= 0:
		return false
	case r.percent >= 100:
		return true
	case userID == 0:
		return false
	}
	return bucket(flag, userID) < r.percent
}

// DedupScope returns what a recipient's unread message notifications
// collapse on.
func (m *Manager) DedupScope(recipientID uint) DedupScope {
	if m.Enabled(NotificationDedupPerSender, recipientID) {
		return DedupPerSender
	}
	return DedupPerConversation
}

// ThrottleFrames reports whether inbound WebSocket frames from userID are
// rate limited.
func (m *Manager) ThrottleFrames(userID uint) bool {
	return m.Enabled(RealtimeRateLimit, userID)
}

// Raw returns the accepted configuration by flag name.
func (m *Manager) Raw() map[string]string {
	out := map[string]string{}
	if m == nil {
		return out
	}
	for f, r := range m.rollouts {
		out[string(f)] = r.raw
	}
	return out
}

// Invalid returns configured entries that were ignored.
func (m *Manager) Invalid() map[string]string {
	out := map[string]string{}
	if m == nil {
		return out
	}
	for k, v := range m.invalid {
		out[k] = v
	}
	return out
}

// Snapshot evaluates every known flag for userID.
func (m *Manager) Snapshot(userID uint) map[Flag]bool {
	out := make(map[Flag]bool, len(Known))
	for _, f := range Known {
		out[f] = m.Enabled(f, userID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// bucket maps a user to [0, 100) independently per flag.
func bucket(flag Flag, userID uint) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(flag)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatUint(uint64(userID), 10)))
	return int(h.Sum32() % 100)
}
