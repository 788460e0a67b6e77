// Package broker manages the AMQP(S) side of the worker: one connection with
// a publish channel and a consume channel, transparent reconnection, and the
// per-delivery dispatcher.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/conf"
	"github.com/ega-archive/lega-ingest/internal/retry"
)

// SystemErrorKey is the routing key operators watch for failures.
const SystemErrorKey = "error.system"

// Config carries the connection parameters from the broker section and the
// routing setup from the DEFAULT section.
type Config struct {
	URI       string
	Attempts  int
	Interval  time.Duration
	Heartbeat time.Duration
	TLS       *tls.Config

	Queue        string
	Exchange     string
	RoutingKey   string
	UserErrorKey string

	// OnFailure runs when the connect attempts are exhausted.
	OnFailure func()
}

// ConfigFrom resolves the broker connection URI (possibly from a one-shot
// secret file) and the DEFAULT-section routing keys.
func ConfigFrom(c *conf.Conf, onFailure func()) (Config, error) {
	uri, err := c.GetSensitive("broker", "connection")
	if err != nil {
		return Config{}, fmt.Errorf("resolving broker.connection: %w", err)
	}
	if uri == "" {
		return Config{}, fmt.Errorf("broker.connection is not set")
	}

	tlsConf, err := tlsConfigFrom(c, uri)
	if err != nil {
		return Config{}, err
	}

	userErrorKey := c.Get("DEFAULT", "error", "")
	if userErrorKey == "" {
		// legacy alias
		userErrorKey = c.Get("DEFAULT", "user_error", "error")
	}

	return Config{
		URI:          uri,
		Attempts:     c.GetInt("broker", "try", retry.DefaultAttempts),
		Interval:     time.Duration(c.GetInt("broker", "try_interval", 1)) * time.Second,
		Heartbeat:    time.Duration(c.GetInt("broker", "heartbeat", 10)) * time.Second,
		TLS:          tlsConf,
		Queue:        c.Get("DEFAULT", "queue", ""),
		Exchange:     c.Get("DEFAULT", "exchange", "ingestion.v1"),
		RoutingKey:   c.Get("DEFAULT", "routing_key", "archived"),
		UserErrorKey: userErrorKey,
		OnFailure:    onFailure,
	}, nil
}

// Broker is the process-wide connection manager. It is lazily connected: the
// first publish or consume dials the broker under the configured retry
// policy.
type Broker struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// New builds a Broker; no connection is opened yet.
func New(cfg Config, log zerolog.Logger) *Broker {
	return &Broker{cfg: cfg, log: log.With().Str("component", "broker").Logger()}
}

// ensureConnected dials the broker if needed. The heartbeat goroutine is
// started by the library on a successful dial.
func (b *Broker) ensureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	b.closeLocked()

	b.log.Info().Str("connection", conf.RedactURL(b.cfg.URI)).Msg("connecting to message broker")

	hostname, _ := os.Hostname()
	amqpConf := amqp.Config{
		Heartbeat: b.cfg.Heartbeat,
		Properties: amqp.Table{
			"product":         "lega-ingest",
			"connection_name": hostname,
		},
	}
	if b.cfg.TLS != nil {
		amqpConf.TLSClientConfig = b.cfg.TLS
	}

	return retry.Do(b.log, "mq connection", b.cfg.Attempts, b.cfg.Interval, nil, b.cfg.OnFailure,
		func() error {
			conn, err := amqp.DialConfig(b.cfg.URI, amqpConf)
			if err != nil {
				return err
			}
			b.conn = conn
			return nil
		})
}

// Publish sends content as a persistent JSON message. The correlation id is
// mandatory: downstream services trace a submission through it.
func (b *Broker) Publish(ctx context.Context, content any, exchange, routingKey, correlationID string) error {
	if correlationID == "" {
		return fmt.Errorf("refusing to publish without a correlation id")
	}
	if err := b.ensureConnected(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil || b.pubCh.IsClosed() {
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("opening publish channel: %w", err)
		}
		b.pubCh = ch
	}

	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	b.log.Debug().Str("exchange", exchange).Str("routing_key", routingKey).
		Str("correlation_id", correlationID).Msg("publishing")

	return b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			Timestamp:     time.Now(),
			Body:          body,
		})
}

// Consume runs the robust consume loop on queue: connect, set QoS prefetch 1
// on a dedicated channel, hand deliveries to handler one at a time, and
// reconnect whenever the transport drops. Cancelling ctx stops the loop
// cleanly. A handler panic is fatal and is returned to the caller.
func (b *Broker) Consume(ctx context.Context, queue string, handler func(context.Context, amqp.Delivery)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("consume loop failed")
			b.Close()
			err = fmt.Errorf("consume loop panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			b.log.Info().Msg("stop consuming")
			b.Close()
			return nil
		}

		if err := b.ensureConnected(); err != nil {
			return err
		}

		deliveries, ch, err := b.openConsume(queue)
		if err != nil {
			b.log.Error().Err(err).Msg("retrying after channel error")
			b.Close()
			continue
		}

		b.log.Info().Str("queue", queue).Msg("consuming messages")

	inner:
		for {
			select {
			case <-ctx.Done():
				// Stop taking new work; un-acked deliveries return to the
				// queue once the connection closes.
				_ = ch.Cancel("", false)
				b.log.Info().Msg("stop consuming")
				b.Close()
				return nil
			case d, ok := <-deliveries:
				if !ok {
					b.log.Error().Msg("transport dropped, reconnecting")
					b.Close()
					break inner
				}
				handler(ctx, d)
			}
		}
	}
}

func (b *Broker) openConsume(queue string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("opening consume channel: %w", err)
	}
	// One un-acked delivery per worker at any time.
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, nil, fmt.Errorf("setting QoS: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("starting consumer: %w", err)
	}
	return deliveries, ch, nil
}

// Close closes the connection, which cascades to both channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Broker) closeLocked() {
	if b.conn != nil && !b.conn.IsClosed() {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.pubCh = nil
}
