package cemear

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Cache persists conversation snapshots per user for warm starts.
type Cache interface {
	SaveConversation(userID string, conv Conversation) error
	LoadConversations(userID string) ([]Conversation, error)
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	convs map[string]map[string]Conversation
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{convs: make(map[string]map[string]Conversation)}
}

func (c *MemoryCache) SaveConversation(userID string, conv Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.convs[userID]
	if !ok {
		byID = make(map[string]Conversation)
		c.convs[userID] = byID
	}
	conv.Messages = append([]Message(nil), conv.Messages...)
	byID[conv.ID] = conv
	return nil
}

func (c *MemoryCache) LoadConversations(userID string) ([]Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conversation, 0, len(c.convs[userID]))
	for _, conv := range c.convs[userID] {
		conv.Messages = append([]Message(nil), conv.Messages...)
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// PebbleCache
// ============================================================================

// PebbleCache stores one JSON snapshot per conversation under
// conv/<userID>/<conversationID>.
type PebbleCache struct {
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebbleCache opens (or creates) a cache in dir.
func OpenPebbleCache(dir string, log *zap.Logger) (*PebbleCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return openPebbleCache(dir, &pebble.Options{}, log)
}

// OpenMemPebbleCache opens a cache on an in-memory filesystem.
func OpenMemPebbleCache(log *zap.Logger) (*PebbleCache, error) {
	return openPebbleCache("", &pebble.Options{FS: vfs.NewMem()}, log)
}

func openPebbleCache(dir string, opts *pebble.Options, log *zap.Logger) (*PebbleCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("cache")
	db, err := pebble.Open(dir, opts)
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", dir), zap.Error(err))
		return nil, fmt.Errorf("open cache: %w", err)
	}
	log.Debug("pebble_opened", zap.String("path", dir))
	return &PebbleCache{db: db, log: log}, nil
}

// convPrefix escapes userID so one user's range never covers another's.
func convPrefix(userID string) []byte {
	return []byte("conv/" + url.PathEscape(userID) + "/")
}

func convKey(userID, conversationID string) []byte {
	return append(convPrefix(userID), conversationID...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *PebbleCache) SaveConversation(userID string, conv Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := c.db.Set(convKey(userID, conv.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// LoadConversation returns one snapshot.
func (c *PebbleCache) LoadConversation(userID, conversationID string) (*Conversation, error) {
	v, closer, err := c.db.Get(convKey(userID, conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeJSON[Conversation](v)
}

func (c *PebbleCache) LoadConversations(userID string) ([]Conversation, error) {
	prefix := convPrefix(userID)
	it, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Conversation
	for ok := it.First(); ok; ok = it.Next() {
		var conv Conversation
		if err := json.Unmarshal(it.Value(), &conv); err != nil {
			c.log.Warn("cache_entry_corrupt", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	return out, it.Error()
}

func (c *PebbleCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
