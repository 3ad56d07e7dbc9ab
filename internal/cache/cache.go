// Package cache keeps the device's durable replica of chats, messages and
// the outbound pending queue.
//
// State lives in memory and is written through to a key-value backend. Every
// mutation goes through Update, which holds the single writer lock and writes
// all touched keys in one atomic batch. Messages are stored per chat so a
// send in one chat never rewrites another chat's history.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

const (
	keyChats       = "chats"
	keyPending     = "pending"
	keyPrivateKey  = "device/private_key"
	messagesPrefix = "messages/"
)

// Backend is the durable key-value store the cache writes through to.
// Get returns nil for a missing key; a nil value in PutMany deletes the key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	PutMany(ctx context.Context, entries map[string][]byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Cache is the local replica.
type Cache struct {
	mu       sync.Mutex
	kv       Backend
	logger   *zap.Logger
	chats    map[string]*model.Chat
	messages map[string][]model.Message
	index    map[string]map[string]int
	pending  map[string]*model.PendingMessage
}

// New creates an empty cache over kv. Call Load to hydrate it.
func New(kv Backend, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		kv:       kv,
		logger:   logger,
		chats:    make(map[string]*model.Chat),
		messages: make(map[string][]model.Message),
		index:    make(map[string]map[string]int),
		pending:  make(map[string]*model.PendingMessage),
	}
}

// Load replaces the in-memory state with what the backend holds.
// Undecodable blobs are skipped with a warning.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chats := make(map[string]*model.Chat)
	var chatList []model.Chat
	if err := c.loadJSON(ctx, keyChats, &chatList); err != nil {
		return err
	}
	for i := range chatList {
		chats[chatList[i].ID] = &chatList[i]
	}

	pending := make(map[string]*model.PendingMessage)
	var pendingList []model.PendingMessage
	if err := c.loadJSON(ctx, keyPending, &pendingList); err != nil {
		return err
	}
	for i := range pendingList {
		pending[pendingList[i].MessageID] = &pendingList[i]
	}

	keys, err := c.kv.Keys(ctx, messagesPrefix)
	if err != nil {
		return fmt.Errorf("%w: list message keys: %v", model.ErrStorage, err)
	}
	messages := make(map[string][]model.Message, len(keys))
	index := make(map[string]map[string]int, len(keys))
	for _, key := range keys {
		var list []model.Message
		if err := c.loadJSON(ctx, key, &list); err != nil {
			return err
		}
		chatID := strings.TrimPrefix(key, messagesPrefix)
		messages[chatID] = list
		index[chatID] = buildIndex(list)
	}

	c.chats, c.pending, c.messages, c.index = chats, pending, messages, index
	c.logger.Info("cache loaded",
		zap.Int("chats", len(chats)),
		zap.Int("message_lists", len(messages)),
		zap.Int("pending", len(pending)))
	return nil
}

func (c *Cache) loadJSON(ctx context.Context, key string, v any) error {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", model.ErrStorage, key, err)
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.logger.Warn("discarding undecodable cache blob", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Persist writes a full snapshot of every collection in one batch.
func (c *Cache) Persist(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirty := map[string]struct{}{keyChats: {}, keyPending: {}}
	for chatID := range c.messages {
		dirty[messagesPrefix+chatID] = struct{}{}
	}
	return c.write(ctx, dirty)
}

// write encodes the given keys from memory and stores them atomically.
// Caller holds c.mu.
func (c *Cache) write(ctx context.Context, dirty map[string]struct{}) error {
	if len(dirty) == 0 {
		return nil
	}
	entries := make(map[string][]byte, len(dirty))
	for key := range dirty {
		var v any
		switch {
		case key == keyChats:
			v = c.chatList()
		case key == keyPending:
			v = c.pendingList()
		case strings.HasPrefix(key, messagesPrefix):
			list, ok := c.messages[strings.TrimPrefix(key, messagesPrefix)]
			if !ok {
				entries[key] = nil
				continue
			}
			v = list
		default:
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", model.ErrStorage, key, err)
		}
		entries[key] = raw
	}
	if err := c.kv.PutMany(ctx, entries); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	return nil
}

func (c *Cache) chatList() []model.Chat {
	out := make([]model.Chat, 0, len(c.chats))
	for _, ch := range c.chats {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Cache) pendingList() []model.PendingMessage {
	out := make([]model.PendingMessage, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update runs fn as the single writer. Changes made through the Txn are
// written to the backend in one batch after fn returns; if fn fails they are
// rolled back and nothing is written. A failed write is logged and the
// in-memory state is kept, so the process keeps working on its replica.
func (c *Cache) Update(ctx context.Context, fn func(tx *Txn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &Txn{c: c, dirty: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := c.write(ctx, tx.dirty); err != nil {
		c.logger.Warn("cache write failed, continuing in memory", zap.Error(err))
	}
	return nil
}

// Chat returns a copy of the cached chat.
func (c *Cache) Chat(id string) (model.Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chats[id]
	if !ok {
		return model.Chat{}, false
	}
	return ch.Clone(), true
}

// Chats returns copies of all cached chats.
func (c *Cache) Chats() []model.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatList()
}

// Messages returns a copy of a chat's message list in chronological order.
func (c *Cache) Messages(chatID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages[chatID]...)
}

// Message returns a copy of one cached message.
func (c *Cache) Message(chatID, msgID string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[chatID][msgID]
	if !ok {
		return model.Message{}, false
	}
	return c.messages[chatID][i], true
}

// Pending returns the pending queue ordered by creation time.
func (c *Cache) Pending() []model.PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingList()
}

// PendingMessage returns one pending entry.
func (c *Cache) PendingMessage(msgID string) (model.PendingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[msgID]
	if !ok {
		return model.PendingMessage{}, false
	}
	return *p, true
}

// PrivateKey returns the stored device private key, or nil if none is stored.
func (c *Cache) PrivateKey(ctx context.Context) ([]byte, error) {
	raw, err := c.kv.Get(ctx, keyPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", model.ErrStorage, err)
	}
	return raw, nil
}

// SetPrivateKey stores the device private key. Unlike other writes a failure
// here is returned, since losing the key loses access to every chat.
func (c *Cache) SetPrivateKey(ctx context.Context, key []byte) error {
	if err := c.kv.PutMany(ctx, map[string][]byte{keyPrivateKey: key}); err != nil {
		return fmt.Errorf("%w: store private key: %v", model.ErrStorage, err)
	}
	return nil
}

func buildIndex(list []model.Message) map[string]int {
	idx := make(map[string]int, len(list))
	for i, m := range list {
		idx[m.ID] = i
	}
	return idx
}
