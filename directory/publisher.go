package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/fedhub/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectoryExchange is the fanout exchange directory updates are published to.
const DirectoryExchange = "fedhub.directory"

// DirectoryUpdate announces a changed identity to other directory nodes.
type DirectoryUpdate struct {
	Hash      string    `json:"hash"`
	Guid      string    `json:"guid"`
	Address   string    `json:"address"`
	URL       string    `json:"url"`
	Deleted   bool      `json:"deleted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher is the directory publication side channel.
type Publisher interface {
	Publish(ctx context.Context, update DirectoryUpdate) error
}

// AMQPPublisher publishes updates to a RabbitMQ fanout exchange.
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(DirectoryExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, update DirectoryUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	start := time.Now()
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, DirectoryExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    update.Hash,
		Timestamp:    update.UpdatedAt,
		Body:         body,
	})
	p.mu.Unlock()
	metrics.ObserveNetworkRequest("amqp", "publish", start, err)
	return err
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}
