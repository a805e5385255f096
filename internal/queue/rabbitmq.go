// Package queue wraps the AMQP broker: a consistent-hash exchange routing
// per-follower fanout messages across a fixed set of bounded worker queues.
// For a stable worker set, every message for a given user lands on the same
// queue, so per-user ordering and dedup checks stay local to one worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alexprut/feedpipe/internal/models"
)

const (
	ExchangeName = "feed_fanout"
	queuePrefix  = "feed_updates_"

	// Queue bounds: overflow drops from head, expired messages represent a
	// stale fanout and are discarded rather than replayed.
	maxQueueLength  = 500000
	messageTTLMs    = 7200000 // 2h
	maxPriority     = 10
	bindingWeight   = "25" // routing key doubles as weight on x-consistent-hash
	DefaultPrefetch = 50
)

// QueueName returns the partition queue for worker i.
func QueueName(workerID int) string {
	return queuePrefix + strconv.Itoa(workerID)
}

// Message pairs a fanout payload with its delivery priority.
type Message struct {
	Payload  models.FanoutMessage
	Priority uint8
}

// Broker owns one connection and one channel. The channel is used for both
// Tx-batched publishing and consuming; callers serialize publishes through
// PublishBatch.
type Broker struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	instanceID string
	workers    int
	buckets    int

	publishMu sync.Mutex
}

// NewBroker connects, declares the consistent-hash exchange and the worker
// queues, and binds each queue with equal weight.
func NewBroker(url, instanceID string, workers, buckets int) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: %w", err)
	}

	b := &Broker{
		conn:       conn,
		channel:    ch,
		instanceID: instanceID,
		workers:    workers,
		buckets:    buckets,
	}

	if err := b.setup(); err != nil {
		b.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}

	return b, nil
}

func (b *Broker) setup() error {
	if err := b.channel.ExchangeDeclare(
		ExchangeName,
		"x-consistent-hash",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{
			"hash-header": "routing_hash",
			"hash-on":     "header",
		},
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for i := 0; i < b.workers; i++ {
		name := QueueName(i)
		_, err := b.channel.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-max-length":   int32(maxQueueLength),
				"x-message-ttl":  int32(messageTTLMs),
				"x-max-priority": int32(maxPriority),
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		if err := b.channel.QueueBind(name, bindingWeight, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}

	return nil
}

func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Broker) Health(ctx context.Context) error {
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("connection closed")
	}
	return nil
}

// NotifyClose registers for connection-loss notification. Workers exit when
// this fires; a supervisor restarts them.
func (b *Broker) NotifyClose() chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// RoutingHash derives the partition bucket header for a target user.
func (b *Broker) RoutingHash(userID int64) string {
	return strconv.FormatInt(userID%int64(b.buckets), 10)
}

// PublishBatch publishes the whole batch inside one broker transaction:
// either every message commits or the batch is rolled back for retry.
// Messages are persistent and carry their message_id for consumer dedup.
func (b *Broker) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if err := b.channel.Tx(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	for _, m := range msgs {
		body, err := json.Marshal(m.Payload)
		if err != nil {
			b.channel.TxRollback()
			return fmt.Errorf("marshal message %s: %w", m.Payload.MessageID, err)
		}

		hash := b.RoutingHash(m.Payload.UserID)
		err = b.channel.PublishWithContext(
			ctx,
			ExchangeName,
			hash, // routing key is ignored by header hashing but set for visibility
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				MessageId:    m.Payload.MessageID,
				Priority:     m.Priority,
				AppId:        b.instanceID,
				Headers: amqp.Table{
					"routing_hash": hash,
					"user_id":      strconv.FormatInt(m.Payload.UserID, 10),
				},
			},
		)
		if err != nil {
			b.channel.TxRollback()
			return fmt.Errorf("publish %s: %w", m.Payload.MessageID, err)
		}
	}

	if err := b.channel.TxCommit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Consume opens the delivery stream for one worker's partition queue with
// bounded prefetch and manual acks.
func (b *Broker) Consume(workerID, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}

	name := QueueName(workerID)
	deliveries, err := b.channel.Consume(
		name,
		b.instanceID+"-"+name, // consumer tag
		false,                 // auto-ack
		false,                 // exclusive
		false,                 // no-local
		false,                 // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	return deliveries, nil
}

// QueueDepth returns the number of messages waiting in a worker's queue.
func (b *Broker) QueueDepth(workerID int) (int, error) {
	q, err := b.channel.QueueInspect(QueueName(workerID))
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", QueueName(workerID), err)
	}
	return q.Messages, nil
}
