// Package rabbitmq publishes engine events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jensholdgaard/leilao/internal/event"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ErrClosed is returned by Publish and Ping after Close.
var ErrClosed = errors.New("rabbitmq publisher closed")

const (
	redialAttempts = 3
	redialInitial  = 50 * time.Millisecond
	redialMax      = time.Second
)

// link is one connection and channel. closed fires when the broker or the
// network ends either of them.
type link struct {
	conn   io.Closer
	ch     channel
	closed <-chan *amqp.Error
}

func (l *link) alive() bool {
	select {
	case <-l.closed:
		return false
	default:
		return true
	}
}

func (l *link) close() error {
	err := l.ch.Close()
	if l.conn != nil {
		if cerr := l.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Publisher implements event.Publisher over one AMQP channel. A channel the
// broker closed is replaced on the next Publish or Ping.
type Publisher struct {
	mu       sync.Mutex
	dial     func() (*link, error)
	link     *link
	exchange string
	shut     bool
}

// Dial connects to url and declares a durable topic exchange. The same
// steps run again whenever the connection has to be re-established.
func Dial(url, exchange string) (*Publisher, error) {
	p := &Publisher{
		exchange: exchange,
		dial:     func() (*link, error) { return connect(url, exchange) },
	}
	l, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.link = l
	return p, nil
}

func connect(url, exchange string) (*link, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("opening rabbitmq connection: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	// Channel notifications also fire when the connection goes away.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return &link{conn: conn, ch: ch, closed: closed}, nil
}

// Publish sends e to the exchange, routed by type and tenant.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, err := p.ensure(ctx)
	if err != nil {
		return err
	}
	if err := l.ch.PublishWithContext(ctx, p.exchange, RoutingKey(e), false, false, message(e)); err != nil {
		p.drop()
		return fmt.Errorf("publishing to exchange %s: %w", p.exchange, err)
	}
	return nil
}

// ensure returns a live link, redialing when the previous one was closed.
// Callers hold p.mu.
func (p *Publisher) ensure(ctx context.Context) (*link, error) {
	if p.shut {
		return nil, ErrClosed
	}
	if p.link != nil && p.link.alive() {
		return p.link, nil
	}
	p.drop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = redialInitial
	b.MaxInterval = redialMax
	l, err := backoff.Retry(ctx, p.dial,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(redialAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("reconnecting to rabbitmq: %w", err)
	}
	p.link = l
	return l, nil
}

func (p *Publisher) drop() {
	if p.link == nil {
		return
	}
	_ = p.link.close()
	p.link = nil
}

// Close releases the channel and the connection. Later publishes fail with
// ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shut = true
	if p.link == nil {
		return nil
	}
	err := p.link.close()
	p.link = nil
	return err
}

// Ping reports whether the broker is reachable, reconnecting if needed.
func (p *Publisher) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.ensure(ctx)
	return err
}

// RoutingKey is "<type>.<tenant>" with the type lower-cased and dotted,
// e.g. "bid.accepted.tenant-1".
func RoutingKey(e event.Event) string {
	t := strings.ToLower(strings.ReplaceAll(string(e.Type), "_", "."))
	return t + "." + e.TenantID
}

func message(e event.Event) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Type:         string(e.Type),
		Headers: amqp.Table{
			"tenant_id":    e.TenantID,
			"aggregate_id": e.AggregateID,
		},
		Body: e.Data,
	}
}
