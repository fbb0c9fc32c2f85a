package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

// BrokerAdapter encodes envelopes on publish and decodes them for handlers
// on subscribe.
type BrokerAdapter struct {
	broker Broker
	logger *logger.Logger
}

func NewBrokerAdapter(broker Broker, log *logger.Logger) *BrokerAdapter {
	return &BrokerAdapter{broker: broker, logger: log}
}

func (a *BrokerAdapter) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return a.broker.Publish(ctx, msg.Type, data)
}

// Subscribe runs handler for each message on topic until ctx is done.
// Handler errors are logged and the message is dropped.
func (a *BrokerAdapter) Subscribe(ctx context.Context, topic string, handler Handler) error {
	msgChan, err := a.broker.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for raw := range msgChan {
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				a.logger.Error(err, "Failed to decode message", "topic", topic)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				a.logger.Error(err, "Failed to handle message",
					"topic", topic,
					"message_id", msg.ID.String())
			}
		}
	}()

	return nil
}

func (a *BrokerAdapter) Close() error {
	return a.broker.Close()
}
