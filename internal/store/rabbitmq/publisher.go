package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chat-proxy/internal/audit"
)

const (
	headerAttempt = "x-attempt"
	retryDelay    = 5 * time.Second
)

// AuditBatch is the body of one queued message: every entry of one trail.
type AuditBatch struct {
	Entries []audit.Entry `json:"entries"`
}

func DecodeAuditBatch(body []byte) (*AuditBatch, error) {
	var b AuditBatch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	if len(b.Entries) == 0 {
		return nil, errors.New("audit batch has no entries")
	}
	for i, e := range b.Entries {
		if e.Level == "" || e.Message == "" {
			return nil, errors.New("audit entry " + strconv.Itoa(i) + " is incomplete")
		}
	}
	return &b, nil
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and worker must agree on these arguments.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Write makes Publisher an audit.Sink: the whole batch becomes one message.
func (p *Publisher) Write(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	body, err := json.Marshal(AuditBatch{Entries: entries})
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, body, 0, "")
}

// Retry parks body on the retry queue; it returns to the main queue after
// the retry delay.
func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int) error {
	return p.publish(ctx, p.queue+".retry", body, attempt, strconv.FormatInt(retryDelay.Milliseconds(), 10))
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte, attempt int, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
			Headers:      amqp.Table{headerAttempt: int32(attempt)},
		},
	)
}

// Attempt reads how many times a delivery has been retried.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[headerAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
