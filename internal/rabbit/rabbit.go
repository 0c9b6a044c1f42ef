package rabbit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Client wraps one AMQP connection and a publishing channel. Queues are declared durable and
// lazily, the first time they are used.
type Client struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	pub      *amqp091.Channel
	declared map[string]bool
	prefix   string
}

// Dial connects to RabbitMQ. prefix is prepended to every queue name ("zapdesk" → "zapdesk_jobs").
func Dial(url, prefix string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	if prefix == "" {
		prefix = "zapdesk"
	}
	log.Info().Str("prefix", prefix).Msg("RabbitMQ connection established.")
	return &Client{conn: conn, pub: ch, declared: make(map[string]bool), prefix: prefix}, nil
}

// QueueName returns the prefixed queue name for a logical name.
func (c *Client) QueueName(name string) string {
	return c.prefix + "_" + strings.ToLower(name)
}

func (c *Client) declare(ch *amqp091.Channel, queue string) error {
	if c.declared[queue] {
		return nil
	}
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
		return err
	}
	c.declared[queue] = true
	return nil
}

// Publish sends a persistent JSON message to the queue through the default exchange.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, headers amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.declare(c.pub, queue); err != nil {
		return err
	}
	err := c.pub.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", queue).Msg("Published message to RabbitMQ")
	return nil
}

// Consume opens a dedicated channel with the given prefetch and returns its deliveries.
// Closing the returned channel stops the consumer.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp091.Delivery, io.Closer, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	c.mu.Lock()
	delete(c.declared, queue)
	err = c.declare(ch, queue)
	c.mu.Unlock()
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return msgs, ch, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub != nil {
		c.pub.Close()
	}
	return c.conn.Close()
}
