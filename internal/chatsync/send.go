package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/e2ee"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/outbox"
	"github.com/matheus3301/securechat/internal/status"
	"go.uber.org/zap"
)

// SendRequest describes an outbound message.
type SendRequest struct {
	ChatID    string
	Plaintext string
	Type      model.MessageType
	FileBytes []byte
	FileName  string
	ReplyTo   string
}

// payload is what recipients decrypt from the envelope.
type payload struct {
	Text    string `json:"text"`
	FileKey []byte `json:"file_key,omitempty"`
}

// content is the JSON stored in the remote message's content column.
type content struct {
	Envelope json.RawMessage `json:"envelope"`
	File     []byte          `json:"file,omitempty"`
}

// Delivery is the payload of message.send_ack, message.send_failed and
// message.dropped events.
type Delivery struct {
	MessageID string
	ChatID    string
	Error     string
}

// SendMessage appends a message to the local replica and writes its
// ciphertext to the remote store. If the remote write fails the message is
// queued for retry and a *model.PersistenceError is returned; the local copy
// stays in place in the pending phase.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return model.Message{}, err
	}
	if req.Type == "" {
		req.Type = model.TypeText
	}
	if !req.Type.Valid() {
		return model.Message{}, fmt.Errorf("%w: message type %q", model.ErrInvalidArgument, req.Type)
	}

	lock := e.chatLock(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	chat, ok := e.cache.Chat(req.ChatID)
	if !ok {
		return model.Message{}, fmt.Errorf("chat %s: %w", req.ChatID, model.ErrNotFound)
	}
	if !chat.IsActiveParticipant(caller) {
		return model.Message{}, fmt.Errorf("%s in chat %s: %w", caller, chat.ID, model.ErrParticipant)
	}
	if !e.crypto.HasKeys() {
		return model.Message{}, fmt.Errorf("%w: no key pair bound", model.ErrEncryption)
	}

	now := e.now()
	msg := model.Message{
		ID:        e.newID(),
		ChatID:    chat.ID,
		SenderID:  caller,
		Type:      req.Type,
		FileName:  req.FileName,
		FileSize:  int64(len(req.FileBytes)),
		ReplyTo:   req.ReplyTo,
		CreatedAt: now,
		ExpiresAt: now.Add(model.MessageTTL),
		Plaintext: req.Plaintext,
		Phase:     model.PhaseLocal,
	}
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		tx.AppendMessage(msg)
		tx.TouchChat(chat.ID, now)
		return nil
	})
	e.publish(bus.KindMessageUpserted, msg.ID)

	if err := e.deliver(ctx, chat, msg, req.FileBytes); err != nil {
		e.metrics.SendFailed()
		_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
			tx.EnqueuePending(model.PendingMessage{
				MessageID: msg.ID,
				ChatID:    chat.ID,
				Plaintext: req.Plaintext,
				Type:      req.Type,
				FileBytes: req.FileBytes,
				FileName:  req.FileName,
				ReplyTo:   req.ReplyTo,
				CreatedAt: now,
				LastError: err.Error(),
			})
			if uerr := tx.UpdateMessage(chat.ID, msg.ID, func(m *model.Message) error {
				return status.Advance(e.bus, m, model.PhasePending)
			}); uerr != nil {
				e.logger.Debug("message not advanced to pending", zap.String("message_id", msg.ID), zap.Error(uerr))
			}
			return nil
		})
		e.metrics.Pending(len(e.cache.Pending()))
		e.publish(bus.KindMessageSendFail, Delivery{MessageID: msg.ID, ChatID: chat.ID, Error: err.Error()})
		e.logger.Warn("send failed, message queued for retry",
			zap.String("message_id", msg.ID),
			zap.String("chat_id", chat.ID),
			zap.Error(err))
		return model.Message{}, &model.PersistenceError{MessageID: msg.ID, Err: err}
	}

	e.confirm(ctx, msg, "send")
	confirmed, _ := e.cache.Message(chat.ID, msg.ID)
	return confirmed, nil
}

// deliver encrypts msg for every active participant and writes it to the
// remote store together with the sender's own sent status.
func (e *Engine) deliver(ctx context.Context, chat model.Chat, msg model.Message, file []byte) error {
	ids := chat.ActiveParticipantIDs()
	keys, err := e.remote.PublicKeys(ctx, ids)
	if err != nil {
		e.remoteFailed("load public keys", err)
		return fmt.Errorf("load public keys: %w", err)
	}
	self, err := e.crypto.PublicKey()
	if err != nil {
		return err
	}

	recipients := make([]e2ee.Recipient, 0, len(ids))
	for _, id := range ids {
		key := keys[id]
		if id == msg.SenderID {
			key = self
		}
		if len(key) == 0 {
			return fmt.Errorf("public key of %s: %w", id, model.ErrNotFound)
		}
		recipients = append(recipients, e2ee.Recipient{ID: id, PublicKey: key})
	}

	body := payload{Text: msg.Plaintext}
	var c content
	if msg.Type != model.TypeText && len(file) > 0 {
		c.File, body.FileKey, err = e.crypto.EncryptFile(file)
		if err != nil {
			return err
		}
	}
	plain, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	c.Envelope, err = e.crypto.EncryptMessage(plain, chat.ID, recipients)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	rm := model.RemoteMessage{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Type:      msg.Type,
		FileName:  msg.FileName,
		FileSize:  msg.FileSize,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: msg.CreatedAt,
		ExpiresAt: msg.ExpiresAt,
		Content:   string(raw),
	}
	if err := e.remote.InsertMessage(ctx, rm); err != nil {
		e.remoteFailed("insert message", err)
		return err
	}
	_, err = e.remote.UpsertMessageStatus(ctx, model.MessageStatus{
		MessageID:   msg.ID,
		RecipientID: msg.SenderID,
		Status:      model.StatusSent,
		UpdatedAt:   e.now(),
	})
	if err != nil {
		e.remoteFailed("upsert sent status", err)
		return err
	}
	e.remoteOK()

	if err := e.remote.TouchChat(ctx, chat.ID, msg.CreatedAt); err != nil {
		e.logger.Warn("failed to bump chat updated_at", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if e.rt != nil {
		if err := e.rt.Publish(ctx, rm); err != nil {
			e.logger.Warn("realtime publish failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// confirm moves a delivered message to the confirmed phase and clears its
// pending entry, if any.
func (e *Engine) confirm(ctx context.Context, msg model.Message, path string) {
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		tx.RemovePending(msg.ID)
		err := tx.UpdateMessage(msg.ChatID, msg.ID, func(m *model.Message) error {
			return status.Advance(e.bus, m, model.PhaseConfirmed)
		})
		if err != nil {
			e.logger.Debug("message not advanced to confirmed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return nil
	})
	e.metrics.Sent(path)
	e.metrics.Pending(len(e.cache.Pending()))
	e.publish(bus.KindMessageSendAck, Delivery{MessageID: msg.ID, ChatID: msg.ChatID})
}

// RetryPendingMessages makes one pass over the pending queue. It is skipped
// if the periodic loop is in the middle of a pass.
func (e *Engine) RetryPendingMessages(ctx context.Context) outbox.Result {
	return e.retrier.RunOnce(ctx)
}

// Pending implements outbox.Queue.
func (e *Engine) Pending() []model.PendingMessage {
	return e.cache.Pending()
}

// Resend implements outbox.Queue by re-running the send path for p. Without
// an identity or key pair it returns outbox.ErrNotReady so the entry keeps
// its attempts for after the next login.
func (e *Engine) Resend(ctx context.Context, p model.PendingMessage) error {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrNotReady, err)
	}
	if !e.crypto.HasKeys() {
		return fmt.Errorf("%w: %w: no key pair bound", outbox.ErrNotReady, model.ErrEncryption)
	}

	lock := e.chatLock(p.ChatID)
	lock.Lock()
	defer lock.Unlock()

	chat, ok := e.cache.Chat(p.ChatID)
	if !ok {
		return fmt.Errorf("chat %s: %w", p.ChatID, model.ErrNotFound)
	}
	if !chat.IsActiveParticipant(caller) {
		return fmt.Errorf("%s in chat %s: %w", caller, chat.ID, model.ErrParticipant)
	}

	msg, ok := e.cache.Message(p.ChatID, p.MessageID)
	if !ok {
		// The replica lost the optimistic copy; rebuild it from the queue entry.
		msg = model.Message{
			ID:        p.MessageID,
			ChatID:    p.ChatID,
			SenderID:  caller,
			Type:      p.Type,
			FileName:  p.FileName,
			FileSize:  int64(len(p.FileBytes)),
			ReplyTo:   p.ReplyTo,
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.CreatedAt.Add(model.MessageTTL),
			Plaintext: p.Plaintext,
			Phase:     model.PhasePending,
		}
		_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
			tx.AppendMessage(msg)
			return nil
		})
	}

	if err := e.deliver(ctx, chat, msg, p.FileBytes); err != nil {
		return err
	}
	e.confirm(ctx, msg, "retry")
	return nil
}

// Fail implements outbox.Queue.
func (e *Engine) Fail(ctx context.Context, msgID string, cause error) int {
	count := 0
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		tx.UpdatePending(msgID, func(p *model.PendingMessage) {
			p.RetryCount++
			if cause != nil {
				p.LastError = cause.Error()
			}
			count = p.RetryCount
		})
		return nil
	})
	return count
}

// Drop implements outbox.Queue. The local copy is kept in the dropped phase
// and a message.dropped event tells the UI the send failed for good.
func (e *Engine) Drop(ctx context.Context, msgID string, cause error) {
	var dropped model.PendingMessage
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		p, ok := tx.Pending(msgID)
		if !ok {
			return nil
		}
		dropped = p
		tx.RemovePending(msgID)
		if err := tx.UpdateMessage(p.ChatID, msgID, func(m *model.Message) error {
			return status.Advance(e.bus, m, model.PhaseDropped)
		}); err != nil {
			e.logger.Debug("message not advanced to dropped", zap.String("message_id", msgID), zap.Error(err))
		}
		return nil
	})
	if dropped.MessageID == "" {
		return
	}
	d := Delivery{MessageID: msgID, ChatID: dropped.ChatID, Error: dropped.LastError}
	if cause != nil {
		d.Error = cause.Error()
	}
	e.publish(bus.KindMessageDropped, d)
}

// UpdateMessageStatus records the caller's delivery status for a message.
// Updates that would move the status backwards are ignored and reported with
// model.ErrStatusRegression; repeating the current status is a no-op.
func (e *Engine) UpdateMessageStatus(ctx context.Context, messageID string, st model.DeliveryStatus) error {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return err
	}
	if !status.ValidDelivery(st) {
		return fmt.Errorf("%w: delivery status %q", model.ErrInvalidArgument, st)
	}

	applied, err := e.remote.UpsertMessageStatus(ctx, model.MessageStatus{
		MessageID:   messageID,
		RecipientID: caller,
		Status:      st,
		UpdatedAt:   e.now(),
	})
	if err != nil {
		e.remoteFailed("upsert status", err)
		return fmt.Errorf("%w: status of %s: %v", model.ErrPersistence, messageID, err)
	}
	e.remoteOK()
	if applied {
		return nil
	}

	current, err := e.remote.MessageStatus(ctx, messageID, caller)
	if err == nil && current.Status == st {
		return nil
	}
	return fmt.Errorf("%w: %s for %s", model.ErrStatusRegression, st, messageID)
}

// Attachment downloads and decrypts the file payload of a message.
func (e *Engine) Attachment(ctx context.Context, messageID string) ([]byte, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}
	rm, err := e.remote.Message(ctx, messageID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			e.remoteFailed("load message", err)
		}
		return nil, err
	}
	body, c, err := e.open(rm, caller)
	if err != nil {
		return nil, err
	}
	if len(c.File) == 0 || len(body.FileKey) == 0 {
		return nil, fmt.Errorf("attachment of %s: %w", messageID, model.ErrNotFound)
	}
	return e2ee.DecryptFile(c.File, body.FileKey)
}

// open decodes and decrypts a remote message for recipientID.
func (e *Engine) open(rm *model.RemoteMessage, recipientID string) (payload, content, error) {
	var c content
	if err := json.Unmarshal([]byte(rm.Content), &c); err != nil {
		return payload{}, content{}, fmt.Errorf("%w: decode content: %v", model.ErrEncryption, err)
	}
	plain, err := e.crypto.DecryptMessage(c.Envelope, rm.ChatID, recipientID)
	if err != nil {
		return payload{}, content{}, err
	}
	var body payload
	if err := json.Unmarshal(plain, &body); err != nil {
		return payload{}, content{}, fmt.Errorf("%w: decode payload: %v", model.ErrEncryption, err)
	}
	return body, c, nil
}

// Messages returns a chat's cached messages in chronological order.
func (e *Engine) Messages(chatID string) ([]model.Message, error) {
	if _, ok := e.cache.Chat(chatID); !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	return e.cache.Messages(chatID), nil
}

// PendingMessages returns the messages waiting for remote confirmation.
func (e *Engine) PendingMessages() []model.PendingMessage {
	return e.cache.Pending()
}
