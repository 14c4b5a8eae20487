package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/civic-issue-reporting/internal/config"
)

const defaultDialTimeout = 5 * time.Second

var errBrokerUnavailable = errors.New("broker connection unavailable")

// dialBroker connects with a bounded TCP connect and AMQP handshake, so a
// broker that accepts connections but never answers fails within timeout.
func dialBroker(url string, timeout time.Duration) (*amqp.Connection, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
}

// RabbitPublisher publishes IssueEvents to a durable topic exchange. The
// connection is opened lazily in the background and re-dialed after a
// failure, so a broker outage never blocks startup or a caller past its
// context deadline.
type RabbitPublisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	dialing chan struct{} // closed when the in-flight dial finishes
	dialErr error
	closed  bool
}

func NewRabbitPublisher(cfg config.QueueConfig, log *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{url: cfg.URL, exchange: cfg.Exchange, dialTimeout: cfg.DialTimeout, log: log}
}

// channel returns an open channel. When none is open it starts a single
// background dial and waits for it or for ctx, whichever comes first.
func (p *RabbitPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errBrokerUnavailable
	}
	if p.ch != nil && !p.ch.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	wait := p.dialing
	if wait == nil {
		p.reset()
		wait = make(chan struct{})
		p.dialing = wait
		go p.dial(wait)
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial: %w", ctx.Err())
	case <-wait:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch, nil
	}
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	return nil, errBrokerUnavailable
}

func (p *RabbitPublisher) dial(done chan struct{}) {
	conn, ch, err := p.open()

	p.mu.Lock()
	switch {
	case err != nil:
		p.dialErr = err
	case p.closed:
		_ = ch.Close()
		_ = conn.Close()
		p.dialErr = errBrokerUnavailable
	default:
		p.conn, p.ch, p.dialErr = conn, ch, nil
	}
	p.dialing = nil
	p.mu.Unlock()
	close(done)

	if err != nil {
		p.log.Warn("event broker unavailable", "error", err)
	}
}

func (p *RabbitPublisher) open() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := dialBroker(p.url, p.dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so bindings survive broker restarts.
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(
		name,    // name
		"topic", // kind
		true,    // durable
		false,   // autoDelete
		false,   // internal
		false,   // noWait
		nil,     // args
	); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}

// reset drops the current connection. Callers hold p.mu.
func (p *RabbitPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Publish sends ev with its Type as routing key. Messages are persistent.
func (p *RabbitPublisher) Publish(ctx context.Context, ev IssueEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		p.exchange, // exchange
		ev.Type,    // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	); err != nil {
		p.mu.Lock()
		if p.ch == ch {
			p.reset()
		}
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.Debug("event published", "type", ev.Type, "issue_id", ev.IssueID)
	return nil
}

// Close releases the broker connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}
