package realtime

import (
	"context"
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"
)

// Broker publishes to named RabbitMQ queues; *rabbit.Client implements it.
type Broker interface {
	QueueName(name string) string
	Publish(ctx context.Context, queue string, body []byte, headers amqp091.Table) error
}

// RabbitMirror republishes every realtime frame to RabbitMQ so that processes without a
// websocket (bots, reporting) can follow ticket activity. Events listed in specific get a
// queue of their own; the rest share the default events queue.
type RabbitMirror struct {
	client   Broker
	queue    string
	specific map[string]bool
}

func NewRabbitMirror(client Broker, queue string, specific []string) *RabbitMirror {
	if queue == "" {
		queue = "events"
	}
	m := &RabbitMirror{client: client, queue: queue, specific: make(map[string]bool)}
	for _, ev := range specific {
		m.specific[ev] = true
	}
	return m
}

type mirroredFrame struct {
	TenantID int64           `json:"companyId"`
	Rooms    []string        `json:"rooms"`
	Event    string          `json:"event"`
	Frame    json.RawMessage `json:"frame"`
}

func (m *RabbitMirror) queueFor(event string) string {
	if m.specific[event] {
		return m.client.QueueName(event)
	}
	return m.client.QueueName(m.queue)
}

func (m *RabbitMirror) EmitToRooms(ctx context.Context, tenantID int64, rooms []string, event string, frame []byte) error {
	body, err := json.Marshal(mirroredFrame{TenantID: tenantID, Rooms: rooms, Event: event, Frame: frame})
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.queueFor(event), body, nil)
}
