/**
 * @description
 * This package provides the producer the crowdfunding-service uses to publish ledger
 * events to RabbitMQ. Events go to a durable topic exchange with the event type as the
 * routing key, so observers can bind to `campaign.*` or `ledger.*`.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

// DefaultExchange is the topic exchange ledger events are published to.
const DefaultExchange = "crowdfunding.events"

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishLedgerEvent(ctx context.Context, event domain.LedgerEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

func (p *EventProducerFallback) PublishLedgerEvent(ctx context.Context, event domain.LedgerEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"ledger event publish skipped\" event_type=%s event_id=%s campaign_id=%d", event.EventType, event.EventID, event.CampaignID)
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and returns a producer bound to exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends a JSON message to exchange with a routing key. A failed publish reopens
// the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}
	if event, ok := body.(domain.LedgerEvent); ok {
		msg.MessageId = event.EventID.String()
		msg.Type = event.EventType
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declare(exchange); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if err := p.reopen(exchange); err != nil {
			return err
		}
	}

	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		if reopenErr := p.reopen(exchange); reopenErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	return nil
}

// PublishLedgerEvent publishes a ledger event with its type as the routing key.
func (p *EventProducer) PublishLedgerEvent(ctx context.Context, event domain.LedgerEvent) error {
	return p.Publish(ctx, p.exchange, event.EventType, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// declare ensures the durable topic exchange exists.
func (p *EventProducer) declare(exchange string) error {
	return p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

func (p *EventProducer) reopen(exchange string) error {
	if p.conn == nil {
		return errors.New("rabbitmq connection is not open")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.declare(exchange)
}
