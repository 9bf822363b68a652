package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"botgpt/internal/model"
)

const TurnEventType = "conversation.turn"

type TurnEventPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewTurnEventPublisher(conn *amqp.Connection, queueName string) *TurnEventPublisher {
	return &TurnEventPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

// Publish sends event as a persistent message. An empty EventID is filled
// in so consumers can deduplicate redeliveries.
func (p *TurnEventPublisher) Publish(ctx context.Context, event model.TurnEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareQueue(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal turn event failed: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         TurnEventType,
		Timestamp:    event.OccurredAt,
		Body:         payload,
	}); err != nil {
		return fmt.Errorf("publish turn event failed: %w", err)
	}
	return nil
}
