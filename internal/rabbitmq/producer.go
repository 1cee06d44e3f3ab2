package rabbitmq

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Publisher is implemented by anything that can publish events to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// channel is the subset of *amqp.Channel the producer uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventProducer publishes JSON events to durable topic exchanges.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  channel
	reopen   func() (channel, error)
	declared map[string]bool
	logger   *log.Entry
}

// ErrBrokerUnavailable is returned when an event cannot reach a broker.
// Callers with an outbox keep the event and retry later.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// Fallback is used when no broker is configured. It rejects every event.
type Fallback struct{}

func (Fallback) Publish(_ context.Context, exchange, routingKey string, _ any) error {
	log.WithFields(log.Fields{
		"component":   "rabbitmq",
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warn("broker disabled, event not published")
	return ErrBrokerUnavailable
}

func (Fallback) Close() {}

// LazyProducer dials the broker on first use and again after a failed dial,
// so a broker that starts after the service is picked up without a restart.
type LazyProducer struct {
	mu       sync.Mutex
	url      string
	dial     func(url string) (Publisher, error)
	producer Publisher
	logger   *log.Entry
}

func NewLazyProducer(amqpURL string) *LazyProducer {
	return &LazyProducer{
		url: amqpURL,
		dial: func(url string) (Publisher, error) {
			return NewEventProducer(url)
		},
		logger: log.WithField("component", "rabbitmq"),
	}
}

func (p *LazyProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	producer, err := p.connect()
	if err != nil {
		return err
	}
	return producer.Publish(ctx, exchange, routingKey, body)
}

func (p *LazyProducer) connect() (Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		return p.producer, nil
	}
	producer, err := p.dial(p.url)
	if err != nil {
		p.logger.WithError(err).Warn("rabbitmq connection failed")
		return nil, errors.Wrapf(ErrBrokerUnavailable, "connect: %v", err)
	}
	p.logger.Info("rabbitmq connection established")
	p.producer = producer
	return producer, nil
}

func (p *LazyProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.producer.Close()
		p.producer = nil
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
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

// NewEventProducer dials the broker and opens a channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	return &EventProducer{
		conn:    conn,
		channel: ch,
		reopen: func() (channel, error) {
			return conn.Channel()
		},
		declared: make(map[string]bool),
		logger:   log.WithField("component", "rabbitmq"),
	}, nil
}

// Publish marshals body as JSON and publishes it. A failed channel is reopened once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}

	p.logger.WithError(err).WithField("exchange", exchange).Warn("publish failed, reopening channel")
	if reopenErr := p.reopenChannel(); reopenErr != nil {
		return errors.Wrap(reopenErr, "reopen channel")
	}
	if err := p.publish(ctx, exchange, routingKey, payload); err != nil {
		return errors.Wrapf(err, "publish to %s", exchange)
	}
	return nil
}

func (p *EventProducer) publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}

	err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return err
	}

	p.logger.WithFields(log.Fields{"exchange": exchange, "routing_key": routingKey}).Debug("event published")
	return nil
}

func (p *EventProducer) reopenChannel() error {
	if p.reopen == nil {
		return errors.New("no connection to reopen channel on")
	}
	ch, err := p.reopen()
	if err != nil {
		return err
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// Close closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
