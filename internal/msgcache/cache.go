// Package msgcache remembers recently observed chat messages so later quote
// and forward commands can address them by id or content hash.
package msgcache

import (
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultMaxEntries = 4096

type Entry struct {
	Message automation.Message
	Chat    automation.Chat
}

// Cache indexes each message under its id and its hash. Registering a key
// again overwrites the previous entry. The least recently used keys are evicted
// once maxEntries is reached, and entries older than ttl expire.
type Cache struct {
	entries *expirable.LRU[string, Entry]
}

// New returns a cache bounded by maxEntries keys. maxEntries <= 0 falls back to
// DefaultMaxEntries; ttl <= 0 disables expiry.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{entries: expirable.NewLRU[string, Entry](maxEntries, nil, ttl)}
}

func (c *Cache) Register(msg automation.Message, chat automation.Chat) {
	if msg == nil {
		return
	}
	info := msg.Info()
	entry := Entry{Message: msg, Chat: chat}
	if info.ID != "" {
		c.entries.Add(info.ID, entry)
	}
	if info.Hash != "" {
		c.entries.Add(info.Hash, entry)
	}
}

func (c *Cache) Find(ident string) (Entry, bool) {
	if ident == "" {
		return Entry{}, false
	}
	return c.entries.Get(ident)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
