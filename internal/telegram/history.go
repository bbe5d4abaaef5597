package telegram

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/moekira/selfiebot/internal/chatmsg"
)

// historyEntry wraps a recorded message with the self flag so the bot's
// own messages can be filtered out of context building.
type historyEntry struct {
	record chatmsg.Record
	self   bool
}

// historyBuffer keeps the recent messages seen per chat. Telegram's API
// has no history fetch, so the adapter records every message it sees; the
// TTL cache drops chats that have been silent past the retention window.
type historyBuffer struct {
	mutex     sync.Mutex
	cache     *gocache.Cache
	retention time.Duration
	maxPerKey int
}

func newHistoryBuffer(retention time.Duration, maxPerChat int) *historyBuffer {
	return &historyBuffer{
		cache:     gocache.New(retention, 10*time.Minute),
		retention: retention,
		maxPerKey: maxPerChat,
	}
}

// Append records one message for a chat, trimming the oldest entries past
// the per-chat cap.
func (h *historyBuffer) Append(chatID string, record chatmsg.Record, self bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var entries []historyEntry
	if cached, ok := h.cache.Get(chatID); ok {
		entries = cached.([]historyEntry)
	}
	entries = append(entries, historyEntry{record: record, self: self})
	if len(entries) > h.maxPerKey {
		entries = entries[len(entries)-h.maxPerKey:]
	}
	h.cache.Set(chatID, entries, h.retention)
}

// RecentMessages returns up to limit of the newest messages within the
// last hours, oldest first. filterSelf drops the bot's own messages.
func (h *historyBuffer) RecentMessages(chatID string, hours float64, limit int, filterSelf bool) []chatmsg.Record {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	cached, ok := h.cache.Get(chatID)
	if !ok {
		return nil
	}
	entries := cached.([]historyEntry)

	cutoff := float64(time.Now().Unix()) - hours*3600
	kept := make([]chatmsg.Record, 0, len(entries))
	for _, entry := range entries {
		if filterSelf && entry.self {
			continue
		}
		if entry.record.Time() < cutoff {
			continue
		}
		kept = append(kept, entry.record)
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}
