package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"botgpt/internal/model"
	"botgpt/internal/platform/rabbitmq"
)

type UsageStore interface {
	Record(ctx context.Context, rec *model.UsageRecord) error
}

// UsageRecorder consumes turn events and writes them to the usage ledger.
// Undecodable messages are dropped; storage failures are requeued once.
type UsageRecorder struct {
	conn      *amqp.Connection
	store     UsageStore
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUsageRecorder(conn *amqp.Connection, store UsageStore, queueName string, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		conn:      conn,
		store:     store,
		queueName: queueName,
		logger:    logger.With("component", "usage_recorder", "queue", queueName),
	}
}

func (w *UsageRecorder) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set worker qos failed: %w", err)
	}
	deliveries, err := ch.Consume(w.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("delivery channel closed")
					return
				}
				w.deliver(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *UsageRecorder) deliver(ctx context.Context, d amqp.Delivery) {
	decodeErr, storeErr := w.handle(ctx, d.Body)
	switch {
	case decodeErr != nil:
		w.logger.Error("decode turn event failed", "message_id", d.MessageId, "error", decodeErr)
		_ = d.Nack(false, false)
	case storeErr != nil:
		w.logger.Error("record usage failed", "message_id", d.MessageId, "redelivered", d.Redelivered, "error", storeErr)
		_ = d.Nack(false, !d.Redelivered)
	default:
		_ = d.Ack(false)
	}
}

// handle separates bad payloads, which are never retried, from storage
// failures, which may be.
func (w *UsageRecorder) handle(ctx context.Context, body []byte) (decodeErr, storeErr error) {
	var event model.TurnEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err, nil
	}
	if event.EventID == "" || event.ConversationID == 0 {
		return fmt.Errorf("turn event missing event_id or conversation_id"), nil
	}
	rec := model.NewUsageRecord(event)
	if err := w.store.Record(ctx, &rec); err != nil {
		return nil, err
	}
	w.logger.Debug("usage recorded",
		"event_id", event.EventID,
		"conversation_id", event.ConversationID,
		"outcome", event.Outcome,
		"total_tokens", event.TotalTokens,
	)
	return nil, nil
}

func (w *UsageRecorder) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
