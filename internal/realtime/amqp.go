package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/securechat/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const actionHeader = "x-action"

// AMQP is a realtime bus over a RabbitMQ topic exchange. The routing key is
// the chat topic; each subscription binds its own exclusive queue.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// DialAMQP connects to url and declares the exchange.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info("connected to rabbitmq", zap.String("exchange", exchange))
	return &AMQP{conn: conn, exchange: exchange, logger: logger, pub: ch}, nil
}

func (a *AMQP) Publish(ctx context.Context, msg model.RemoteMessage) error {
	data, err := json.Marshal(created(msg))
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.pub.PublishWithContext(ctx,
		a.exchange,
		Topic(msg.ChatID),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   msg.ID,
			Timestamp:   time.Now(),
			Headers:     amqp.Table{actionHeader: KindMessageCreated},
			Body:        data,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", Topic(msg.ChatID), err)
	}
	return nil
}

func (a *AMQP) Subscribe(ctx context.Context, chatID string) (<-chan Event, func(), error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, Topic(chatID), a.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("bind %s: %w", Topic(chatID), err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	out, stop := pump(ctx, deliveries, func(d amqp.Delivery) (Event, error) {
		var evt Event
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return Event{}, err
		}
		return evt, nil
	}, func() { _ = ch.Close() }, a.logger)
	return out, stop, nil
}

// Close closes the connection and every channel opened on it.
func (a *AMQP) Close() error {
	return a.conn.Close()
}
