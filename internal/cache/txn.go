package cache

import (
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/securechat/internal/model"
)

// Txn is the mutation handle passed to Cache.Update. It must not be used
// after the Update callback returns.
type Txn struct {
	c     *Cache
	dirty map[string]struct{}
	undo  []func()
}

func (t *Txn) mark(key string) {
	t.dirty[key] = struct{}{}
}

func (t *Txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

// Chat returns a copy of a cached chat.
func (t *Txn) Chat(id string) (model.Chat, bool) {
	ch, ok := t.c.chats[id]
	if !ok {
		return model.Chat{}, false
	}
	return ch.Clone(), true
}

// PutChat inserts or replaces a chat.
func (t *Txn) PutChat(chat model.Chat) {
	prev, existed := t.c.chats[chat.ID]
	cp := chat.Clone()
	t.c.chats[chat.ID] = &cp
	t.mark(keyChats)
	t.undo = append(t.undo, func() {
		if existed {
			t.c.chats[chat.ID] = prev
		} else {
			delete(t.c.chats, chat.ID)
		}
	})
}

// TouchChat moves a chat's updated_at forward to at. Older timestamps are ignored.
func (t *Txn) TouchChat(id string, at time.Time) {
	ch, ok := t.c.chats[id]
	if !ok || !at.After(ch.UpdatedAt) {
		return
	}
	prev := ch.UpdatedAt
	ch.UpdatedAt = at
	t.mark(keyChats)
	t.undo = append(t.undo, func() { ch.UpdatedAt = prev })
}

// AppendMessage adds msg to its chat's list, keeping chronological order.
// It returns false without changes if a message with the same id is cached.
func (t *Txn) AppendMessage(msg model.Message) bool {
	idx, ok := t.c.index[msg.ChatID]
	if !ok {
		idx = make(map[string]int)
		t.c.index[msg.ChatID] = idx
	}
	if _, dup := idx[msg.ID]; dup {
		return false
	}

	prev := t.c.messages[msg.ChatID]
	list := append(append([]model.Message(nil), prev...), msg)
	if n := len(list); n > 1 && list[n-1].CreatedAt.Before(list[n-2].CreatedAt) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	}
	t.c.messages[msg.ChatID] = list
	t.c.index[msg.ChatID] = buildIndex(list)
	t.mark(messagesPrefix + msg.ChatID)
	t.undo = append(t.undo, func() {
		if prev == nil {
			delete(t.c.messages, msg.ChatID)
		} else {
			t.c.messages[msg.ChatID] = prev
		}
		t.c.index[msg.ChatID] = buildIndex(prev)
	})
	return true
}

// Message returns a copy of a cached message.
func (t *Txn) Message(chatID, msgID string) (model.Message, bool) {
	i, ok := t.c.index[chatID][msgID]
	if !ok {
		return model.Message{}, false
	}
	return t.c.messages[chatID][i], true
}

// UpdateMessage applies fn to a cached message. If fn returns an error the
// message is left untouched.
func (t *Txn) UpdateMessage(chatID, msgID string, fn func(*model.Message) error) error {
	i, ok := t.c.index[chatID][msgID]
	if !ok {
		return fmt.Errorf("message %s in chat %s: %w", msgID, chatID, model.ErrNotFound)
	}
	list := t.c.messages[chatID]
	updated := list[i]
	if err := fn(&updated); err != nil {
		return err
	}
	prev := list[i]
	list[i] = updated
	t.mark(messagesPrefix + chatID)
	t.undo = append(t.undo, func() { list[i] = prev })
	return nil
}

// EnqueuePending adds p to the pending queue. It is idempotent by message id:
// an existing entry is left as is and false is returned.
func (t *Txn) EnqueuePending(p model.PendingMessage) bool {
	if _, ok := t.c.pending[p.MessageID]; ok {
		return false
	}
	cp := p
	t.c.pending[p.MessageID] = &cp
	t.mark(keyPending)
	t.undo = append(t.undo, func() { delete(t.c.pending, p.MessageID) })
	return true
}

// Pending returns a copy of one pending entry.
func (t *Txn) Pending(msgID string) (model.PendingMessage, bool) {
	p, ok := t.c.pending[msgID]
	if !ok {
		return model.PendingMessage{}, false
	}
	return *p, true
}

// UpdatePending applies fn to a pending entry. Returns false if there is none.
func (t *Txn) UpdatePending(msgID string, fn func(*model.PendingMessage)) bool {
	p, ok := t.c.pending[msgID]
	if !ok {
		return false
	}
	prev := *p
	fn(p)
	p.MessageID = prev.MessageID
	t.mark(keyPending)
	t.undo = append(t.undo, func() { *p = prev })
	return true
}

// RemovePending deletes a pending entry. Returns false if there was none.
func (t *Txn) RemovePending(msgID string) bool {
	p, ok := t.c.pending[msgID]
	if !ok {
		return false
	}
	delete(t.c.pending, msgID)
	t.mark(keyPending)
	t.undo = append(t.undo, func() { t.c.pending[msgID] = p })
	return true
}
