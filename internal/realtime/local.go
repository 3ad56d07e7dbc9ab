package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

// Local is an in-process realtime bus. It is used when several engines share
// one process, as in development and tests.
type Local struct {
	b      *bus.Bus
	logger *zap.Logger
}

// NewLocal creates a realtime bus on top of b.
func NewLocal(b *bus.Bus, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{b: b, logger: logger}
}

func localKind(chatID string) string {
	return "realtime." + Topic(chatID) + "." + KindMessageCreated
}

func (l *Local) Publish(_ context.Context, msg model.RemoteMessage) error {
	l.b.Publish(bus.Event{
		Kind:      localKind(msg.ChatID),
		Timestamp: time.Now(),
		Payload:   created(msg),
	})
	return nil
}

func (l *Local) Subscribe(ctx context.Context, chatID string) (<-chan Event, func(), error) {
	src, unsub := l.b.Subscribe("realtime."+Topic(chatID)+".", 64)
	out, stop := pump(ctx, src, func(e bus.Event) (Event, error) {
		evt, ok := e.Payload.(Event)
		if !ok {
			return Event{}, fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return evt, nil
	}, unsub, l.logger)
	return out, stop, nil
}
