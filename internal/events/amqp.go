package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crmhub/internal/telemetry"
)

var amqpTracer = otel.Tracer("crmhub/events")

// DefaultExchange is the fanout exchange integration events land on.
const DefaultExchange = "crmhub.integration.events"

// AMQPPublisher fans integration events to a durable fanout exchange so
// other processes (the worker, the API server's websocket bridge) see them.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQPPublisher(url, exchange string, logger *slog.Logger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{url: url, exchange: exchange, logger: logger}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Publish encodes and sends the event in the background. Broker trouble is
// logged, never surfaced to the caller: lifecycle operations do not fail
// because the event bus is down.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.send(sendCtx, event); err != nil {
			p.logger.Warn("event publish failed", "type", event.Type, "err", err)
		}
	}()
}

func (p *AMQPPublisher) send(ctx context.Context, event Event) error {
	ctx, span := amqpTracer.Start(ctx, "events.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.exchange),
			attribute.String("crmhub.event.type", event.Type),
		),
	)
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode event: %w", err)
	}

	ch, err := p.channel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	headers := telemetry.InjectAMQPContext(ctx, amqp.Table{})
	if err := ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		Body:        body,
		ContentType: "application/json",
		Headers:     headers,
		Timestamp:   event.Timestamp,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Subscribe consumes the fanout exchange on an exclusive queue until the
// context is canceled, reconnecting on channel loss.
func (p *AMQPPublisher) Subscribe(ctx context.Context, handler func(context.Context, Event)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := p.channel(ctx)
		if err != nil {
			p.logger.Error("events: channel failed", "exchange", p.exchange, "err", err)
			time.Sleep(time.Second)
			continue
		}

		deliveries, closeCh, err := p.bindExclusive(ch)
		if err != nil {
			ch.Close()
			p.logger.Error("events: subscribe failed", "exchange", p.exchange, "err", err)
			time.Sleep(time.Second)
			continue
		}

		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					goto reconnect
				}
				var event Event
				if err := json.Unmarshal(d.Body, &event); err != nil {
					p.logger.Warn("events: undecodable event dropped", "err", err)
					continue
				}
				handler(telemetry.ExtractAMQPContext(ctx, d.Headers), event)
			case err := <-closeCh:
				if err != nil {
					p.logger.Warn("events: channel closed", "exchange", p.exchange, "err", err)
				}
				goto reconnect
			case <-ctx.Done():
				ch.Close()
				return ctx.Err()
			}
		}

	reconnect:
		ch.Close()
		time.Sleep(time.Second)
	}
}

func (p *AMQPPublisher) bindExclusive(ch *amqp.Channel) (<-chan amqp.Delivery, chan *amqp.Error, error) {
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("declare exclusive queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", p.exchange, false, nil); err != nil {
		return nil, nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, ch.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func (p *AMQPPublisher) connection(ctx context.Context) (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.DialConfig(p.url, amqp.Config{
			Properties: amqp.Table{"connection_name": "crmhub"},
			Dial:       amqp.DefaultDial(5 * time.Second),
		})
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 10 * time.Second

	if err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return dial()
	}, backoff.WithContext(exp, ctx)); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	p.conn = conn
	p.logger.Info("connected to rabbitmq", "exchange", p.exchange)
	return conn, nil
}
