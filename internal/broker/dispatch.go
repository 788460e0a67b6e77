package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/errs"
	"github.com/ega-archive/lega-ingest/internal/metrics"
)

// Message is the parsed inbound payload handed to a Worker, together with the
// correlation id every publish must carry.
type Message struct {
	CorrelationID string
	Content       map[string]any
}

// Worker is the business function a Dispatcher wraps. A nil error with a
// non-nil result publishes the result on the default routing key before the
// ack. Returning errs.RejectMessage requeues; an errs.FromUser informs the
// submitter; anything else goes to the system-error key.
type Worker func(ctx context.Context, log zerolog.Logger, msg Message) (map[string]any, error)

// Publisher is what the dispatcher and workers publish through.
type Publisher interface {
	Publish(ctx context.Context, content any, exchange, routingKey, correlationID string) error
}

// Dispatcher classifies the outcome of each delivery and routes errors to the
// user-error and system-error keys.
type Dispatcher struct {
	pub  Publisher
	cfg  Config
	work Worker
	log  zerolog.Logger
}

func NewDispatcher(pub Publisher, cfg Config, work Worker, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, cfg: cfg, work: work,
		log: log.With().Str("component", "dispatcher").Logger()}
}

// Handle processes one delivery end to end: parse, run the worker, publish
// the outcome, ack or reject. Exactly one of ack/reject happens per delivery.
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) {
	correlationID := delivery.CorrelationId
	if correlationID == "" {
		// Never publish without a correlation id; mint one so the failure
		// paths stay traceable.
		correlationID = uuid.NewString()
	}
	log := d.log.With().Str("correlation_id", correlationID).Logger()
	log.Info().Uint64("delivery_tag", delivery.DeliveryTag).Msg("processing message")

	if len(delivery.Body) == 0 {
		metrics.Deliveries.WithLabelValues("empty").Inc()
		d.ack(delivery, log)
		return
	}

	if delivery.ContentType != "application/json" {
		log.Error().Str("content_type", delivery.ContentType).Msg("unsupported content type")
		d.publish(ctx, log, map[string]any{
			"informal": "Unsupported content type",
			"formal":   delivery.ContentType,
			"message":  string(delivery.Body),
		}, SystemErrorKey, correlationID)
		metrics.Deliveries.WithLabelValues("malformed").Inc()
		d.reject(delivery, log, false)
		return
	}

	var content map[string]any
	if err := json.Unmarshal(delivery.Body, &content); err != nil {
		log.Error().Err(err).Msg("malformed JSON-message")
		d.publish(ctx, log, map[string]any{
			"informal": "Malformed JSON-message",
			"formal":   errs.Formal(err),
			"message":  string(delivery.Body),
		}, SystemErrorKey, correlationID)
		metrics.Deliveries.WithLabelValues("malformed").Inc()
		d.reject(delivery, log, false)
		return
	}

	if len(content) == 0 {
		metrics.Deliveries.WithLabelValues("empty").Inc()
		d.ack(delivery, log)
		return
	}

	result, err := d.work(ctx, log, Message{CorrelationID: correlationID, Content: content})
	switch {
	case err == nil:
		if result != nil {
			if pubErr := d.pub.Publish(ctx, result, d.cfg.Exchange, d.cfg.RoutingKey, correlationID); pubErr != nil {
				// The reply is part of the contract: without it the delivery
				// goes back to the queue instead of being acked.
				log.Error().Err(pubErr).Msg("publishing reply failed, requeueing")
				metrics.Deliveries.WithLabelValues("requeued").Inc()
				d.reject(delivery, log, true)
				return
			}
			metrics.Published.WithLabelValues(d.cfg.RoutingKey).Inc()
		}
		metrics.Deliveries.WithLabelValues("success").Inc()
		d.ack(delivery, log)

	case errors.Is(err, errs.RejectMessage):
		log.Warn().Uint64("delivery_tag", delivery.DeliveryTag).Msg("message rejected, requeueing")
		metrics.Deliveries.WithLabelValues("requeued").Inc()
		d.reject(delivery, log, true)

	default:
		if fu, ok := errs.AsFromUser(err); ok {
			d.handleUserError(ctx, log, delivery, content, fu, correlationID)
			return
		}
		cause := errs.Cause(err)
		log.Error().Err(err).Msg("system error")
		content["error"] = map[string]any{
			"informal": cause.Error(),
			"formal":   errs.Formal(err),
		}
		d.publish(ctx, log, content, SystemErrorKey, correlationID)
		metrics.Deliveries.WithLabelValues("system_error").Inc()
		d.reject(delivery, log, false)
	}
}

// handleUserError informs the submitter on the user-error key and acks, then
// forwards the same failure to the system-error key so operators see it too.
func (d *Dispatcher) handleUserError(ctx context.Context, log zerolog.Logger, delivery amqp.Delivery, content map[string]any, fu *errs.FromUser, correlationID string) {
	cause := errs.Cause(fu)
	log.Error().Err(fu).Str("kind", fu.Kind).Msg("user error")

	content["reason"] = cause.Error()
	cleanMessage(content)
	d.publish(ctx, log, content, d.cfg.UserErrorKey, correlationID)
	metrics.Deliveries.WithLabelValues("user_error").Inc()
	d.ack(delivery, log)

	content["error"] = map[string]any{
		"informal": cause.Error(),
		"formal":   errs.Formal(fu),
	}
	d.publish(ctx, log, content, SystemErrorKey, correlationID)
}

// cleanMessage scrubs internal-only fields before a message leaves for an
// external exchange.
func cleanMessage(content map[string]any) {
	delete(content, "file_id")
	delete(content, "org_msg")
	delete(content, "header")
	delete(content, "vault_path")
}

func (d *Dispatcher) publish(ctx context.Context, log zerolog.Logger, content any, routingKey, correlationID string) {
	if err := d.pub.Publish(ctx, content, d.cfg.Exchange, routingKey, correlationID); err != nil {
		log.Error().Err(err).Str("routing_key", routingKey).Msg("error publish failed")
		return
	}
	metrics.Published.WithLabelValues(routingKey).Inc()
}

func (d *Dispatcher) ack(delivery amqp.Delivery, log zerolog.Logger) {
	if err := delivery.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (d *Dispatcher) reject(delivery amqp.Delivery, log zerolog.Logger, requeue bool) {
	if err := delivery.Reject(requeue); err != nil {
		log.Error().Err(err).Msg("reject failed")
	}
}
