package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/omnipost/beam/internal/broadcast"
)

// StatusEvent announces a broadcast lifecycle change to downstream consumers
// (analytics, CRM sync). Routing key is broadcast.status.<status>.
type StatusEvent struct {
	ID          string           `json:"id"`
	BroadcastID string           `json:"broadcast_id"`
	WorkspaceID string           `json:"workspace_id"`
	Channel     string           `json:"channel"`
	Status      broadcast.Status `json:"status"`
	Totals      broadcast.Totals `json:"totals"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

type Publisher interface {
	PublishStatus(ctx context.Context, b *broadcast.Broadcast) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// New connects to RabbitMQ and declares the topic exchange.
func New(url, exchange string, logger *slog.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      logger,
	}, nil
}

func (r *rmqPublisher) PublishStatus(ctx context.Context, b *broadcast.Broadcast) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	ev := StatusEvent{
		ID:          uuid.NewString(),
		BroadcastID: b.ID,
		WorkspaceID: b.WorkspaceID,
		Channel:     string(b.Channel),
		Status:      b.Status,
		Totals:      b.Totals,
		OccurredAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	key := "broadcast.status." + string(b.Status)
	err = ch.PublishWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     ev.ID,
			CorrelationId: b.ID,
			Timestamp:     ev.OccurredAt,
			Body:          body,
		},
	)
	if err == nil {
		r.log.Info("published status event",
			slog.String("key", key),
			slog.String("broadcast_id", b.ID),
		)
	}
	return err
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishStatus(ctx context.Context, b *broadcast.Broadcast) error { return nil }
func (Nop) Close() error                                                    { return nil }
