package mq

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connection wraps RabbitMQ connection; the dial happens on first use
type Connection struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewConnection creates a new RabbitMQ connection handle
func NewConnection(logger *zap.Logger, url string) *Connection {
	return &Connection{url: url, logger: logger}
}

// Open dials the broker if not already connected
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	c.logger.Info("attempting to connect to RabbitMQ...")
	conn, err := amqp.Dial(c.url)
	if err != nil {
		c.logger.Error("rabbitmq connection failed", zap.Error(err))
		return fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}
	c.conn = conn
	c.logger.Info("rabbitmq connection established successfully")
	return nil
}

// Channel creates a new RabbitMQ channel, dialing first if needed
func (c *Connection) Channel() (*amqp.Channel, error) {
	if err := c.Open(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Channel()
}

// Close closes the underlying connection if it was opened
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Error("failed to close rabbitmq connection", zap.Error(err))
		return err
	}
	c.logger.Info("rabbitmq connection closed")
	return nil
}
