package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ab000641/air-quality-monitor/internal/protocol"
)

// Publisher writes a keyed message to the notification topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaTransport queues messages on Kafka for the notifier worker. A send
// succeeds once the broker has acknowledged the message.
type KafkaTransport struct {
	publisher Publisher
	kind      string
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewKafkaTransport creates a queueing transport. kind tags every queued
// message (protocol.KindAlert or protocol.KindNearby).
func NewKafkaTransport(publisher Publisher, kind string, clock clockwork.Clock, logger *slog.Logger) *KafkaTransport {
	return &KafkaTransport{
		publisher: publisher,
		kind:      kind,
		clock:     clock,
		logger:    logger.With("component", "transport", "transport", "kafka"),
	}
}

// Send queues the message keyed by recipient so one recipient's messages
// stay in order.
func (t *KafkaTransport) Send(ctx context.Context, recipientID, text string) error {
	n := &protocol.Notification{
		ID:          uuid.NewString(),
		Kind:        t.kind,
		RecipientID: recipientID,
		Text:        text,
		CreatedAt:   t.clock.Now().UTC(),
	}

	data, err := protocol.EncodeNotification(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := t.publisher.Publish(ctx, recipientID, data); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}

	t.logger.Debug("notification queued", "id", n.ID, "recipient", recipientID, "kind", t.kind)
	return nil
}
