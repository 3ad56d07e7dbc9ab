package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// exercise checks that a subscriber sees only its own chat's events.
func exercise(t *testing.T, b Bus) {
	t.Helper()
	ctx := context.Background()

	events, stop, err := b.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := b.Publish(ctx, model.RemoteMessage{ID: "other", ChatID: "c2"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, model.RemoteMessage{ID: "m1", ChatID: "c1", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	evt := recv(t, events)
	if evt.Kind != KindMessageCreated || evt.ChatID != "c1" || evt.Message.ID != "m1" {
		t.Errorf("event = %+v", evt)
	}

	stop()
	stop()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected no more events after stop")
		}
	case <-time.After(5 * time.Second):
		t.Error("channel not closed after stop")
	}
}

func TestLocal(t *testing.T) {
	exercise(t, NewLocal(bus.New(), nil))
}

func TestLocalStopsWithContext(t *testing.T) {
	l := NewLocal(bus.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	events, _, err := l.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("SECURECHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("SECURECHAT_TEST_REDIS not set")
	}
	r := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), "test-"+time.Now().Format("150405.000"), nil)
	defer r.Close()
	exercise(t, r)
}

func TestAMQP(t *testing.T) {
	url := os.Getenv("SECURECHAT_TEST_AMQP")
	if url == "" {
		t.Skip("SECURECHAT_TEST_AMQP not set")
	}
	a, err := DialAMQP(url, "securechat.test", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	exercise(t, a)
}
