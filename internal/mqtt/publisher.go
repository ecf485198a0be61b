package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher sends sensor readings to an MQTT topic
type Publisher struct {
	client paho.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewPublisher connects a publishing client to the broker
func NewPublisher(brokerURL, clientID, topic string, qos byte, logger *zap.Logger) (*Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &Publisher{client: client, topic: topic, qos: qos, logger: logger}, nil
}

// Publish marshals v as JSON and publishes it, waiting for the broker
// acknowledgement required by the publisher's QoS
func (p *Publisher) Publish(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, false, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.logger.Debug("published reading", zap.String("topic", p.topic), zap.Int("size", len(body)))
	return nil
}

// Close disconnects the publishing client
func (p *Publisher) Close() error {
	p.client.Disconnect(disconnectQuiesceMS)
	return nil
}
