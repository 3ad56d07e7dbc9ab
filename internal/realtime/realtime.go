// Package realtime carries message-created events between devices. Each chat
// has its own topic. Delivery is at-least-once; subscribers must tolerate
// duplicates.
package realtime

import (
	"context"
	"sync"

	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

// KindMessageCreated is the only event kind carried today.
const KindMessageCreated = "message.created"

// Event is a realtime notification for one chat.
type Event struct {
	Kind    string              `json:"kind"`
	ChatID  string              `json:"chat_id"`
	Message model.RemoteMessage `json:"message"`
}

// Bus is a realtime transport.
type Bus interface {
	// Publish announces a newly stored message to the chat's topic.
	Publish(ctx context.Context, msg model.RemoteMessage) error
	// Subscribe starts receiving events for chatID. The returned func stops
	// the subscription and closes the channel; it is safe to call twice.
	Subscribe(ctx context.Context, chatID string) (<-chan Event, func(), error)
}

// Topic returns the topic name for a chat.
func Topic(chatID string) string {
	return "chat." + chatID
}

func created(msg model.RemoteMessage) Event {
	return Event{Kind: KindMessageCreated, ChatID: msg.ChatID, Message: msg}
}

// pump forwards decoded items from src until the context ends, src closes or
// the returned stop func runs. Items that fail to decode are logged and skipped.
func pump[T any](ctx context.Context, src <-chan T, decode func(T) (Event, error), release func(), logger *zap.Logger) (<-chan Event, func()) {
	out := make(chan Event, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if release != nil {
				release()
			}
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			case item, ok := <-src:
				if !ok {
					return
				}
				evt, err := decode(item)
				if err != nil {
					logger.Warn("dropping undecodable realtime event", zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				case <-done:
					return
				}
			}
		}
	}()
	return out, stop
}
