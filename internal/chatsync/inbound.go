package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

// SubscribeToChat delivers messages other participants send to chatID. The
// realtime bus is at-least-once; messages already in the replica are not
// delivered again. The returned func cancels the subscription; Stop and
// Logout cancel every subscription.
func (e *Engine) SubscribeToChat(ctx context.Context, chatID string, onMessage func(model.Message)) (func(), error) {
	if e.rt == nil {
		return nil, model.ErrRealtimeUnavailable
	}
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}
	chat, ok := e.cache.Chat(chatID)
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	if !chat.IsActiveParticipant(caller) {
		return nil, fmt.Errorf("%s in chat %s: %w", caller, chatID, model.ErrParticipant)
	}

	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()

	events, stop, err := e.rt.Subscribe(runCtx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRealtimeUnavailable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			if evt.ChatID != chatID {
				continue
			}
			msg, added, err := e.IngestMessage(runCtx, evt.Message)
			if err != nil {
				e.metrics.Realtime("rejected")
				e.logger.Warn("failed to ingest realtime message",
					zap.String("chat_id", chatID),
					zap.String("message_id", evt.Message.ID),
					zap.Error(err))
				continue
			}
			if !added {
				e.metrics.Realtime("duplicate")
				continue
			}
			e.metrics.Realtime("appended")
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}()

	var once sync.Once
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	cancel := func() {
		once.Do(func() {
			stop()
			<-done
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
	e.subs[id] = cancel
	e.mu.Unlock()

	e.logger.Debug("subscribed to chat", zap.String("chat_id", chatID))
	return cancel, nil
}

// IngestMessage decrypts a remote message and appends it to the replica. It
// reports false without error when the message is already cached.
func (e *Engine) IngestMessage(ctx context.Context, rm model.RemoteMessage) (model.Message, bool, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return model.Message{}, false, err
	}
	if _, ok := e.cache.Chat(rm.ChatID); !ok {
		return model.Message{}, false, fmt.Errorf("chat %s: %w", rm.ChatID, model.ErrNotFound)
	}
	if _, ok := e.cache.Message(rm.ChatID, rm.ID); ok {
		return model.Message{}, false, nil
	}

	body, _, err := e.open(&rm, caller)
	if err != nil {
		return model.Message{}, false, err
	}

	msg := model.Message{
		ID:        rm.ID,
		ChatID:    rm.ChatID,
		SenderID:  rm.SenderID,
		Type:      rm.Type,
		FileName:  rm.FileName,
		FileSize:  rm.FileSize,
		ReplyTo:   rm.ReplyTo,
		CreatedAt: rm.CreatedAt,
		ExpiresAt: rm.ExpiresAt,
		Plaintext: body.Text,
		Phase:     model.PhaseReceived,
	}

	added := false
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		added = tx.AppendMessage(msg)
		if added {
			tx.TouchChat(msg.ChatID, msg.CreatedAt)
		}
		return nil
	})
	if !added {
		return model.Message{}, false, nil
	}
	e.publish(bus.KindMessageUpserted, msg.ID)

	if msg.SenderID != caller {
		_, err := e.remote.UpsertMessageStatus(ctx, model.MessageStatus{
			MessageID:   msg.ID,
			RecipientID: caller,
			Status:      model.StatusDelivered,
			UpdatedAt:   e.now(),
		})
		if err != nil {
			e.logger.Warn("failed to record delivered status", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, true, nil
}
