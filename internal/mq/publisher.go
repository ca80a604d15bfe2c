package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/jobrun/internal/broker"
)

// TransportName — имя транспорта в логах и метриках.
const TransportName = "amqp"

// Name реализует broker.Transport.
func (c *Connection) Name() string {
	return TransportName
}

// Publish передаёт envelope брокеру и возвращается, не дожидаясь подтверждения.
// Подтверждение отслеживается и ожидается в Close.
func (c *Connection) Publish(ctx context.Context, env broker.Envelope) error {
	_, err := c.publish(ctx, env)
	return err
}

// PublishConfirmed публикует envelope и ждёт подтверждения брокера.
//
// Если канал недоступен (разрыв, идёт переподключение), ждёт восстановления
// соединения в пределах ctx и публикует повторно один раз. Повтор несёт тот же
// MessageId, дубликаты отбрасываются на стороне consumer.
func (c *Connection) PublishConfirmed(ctx context.Context, env broker.Envelope) error {
	err := c.publishConfirmed(ctx, env)
	if !retryable(err) {
		return err
	}

	c.logger.Warn("confirmed publish interrupted, waiting for reconnect",
		"type", env.Type,
		"message_id", env.ID,
		"error", err,
	)
	if waitErr := c.waitConnected(ctx); waitErr != nil {
		return fmt.Errorf("%w (waiting for reconnect: %v)", err, waitErr)
	}
	return c.publishConfirmed(ctx, env)
}

func (c *Connection) publishConfirmed(ctx context.Context, env broker.Envelope) error {
	dc, err := c.publish(ctx, env)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm for %s: %w", env.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s %s", ErrNacked, env.Type, env.ID)
	}
	return nil
}

// retryable — публикация не дошла до брокера из-за состояния соединения.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) {
		return false
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, amqp.ErrClosed)
}

func (c *Connection) publish(ctx context.Context, env broker.Envelope) (confirmation, error) {
	msg, err := NewPublishing(env)
	if err != nil {
		return nil, err
	}
	key := RoutingKeyFor(env.Subject, env.Type)

	pub, err := c.publisher(ctx)
	if err != nil {
		return nil, err
	}

	dc, err := pub.publish(ctx, string(c.opts.Exchange), string(key), msg)
	if err != nil {
		return nil, fmt.Errorf("publish to %s/%s: %w", c.opts.Exchange, key, err)
	}

	c.track(dc)

	c.logger.Debug("published envelope",
		"routing_key", key,
		"message_id", env.ID,
		"type", env.Type,
	)

	return dc, nil
}

// publisher возвращает канал публикации, если соединение установлено.
func (c *Connection) publisher(ctx context.Context) (publishChannel, error) {
	c.mu.RLock()
	pub := c.pub
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if pub == nil || pub.IsClosed() || c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pub, nil
}

// NewPublishing строит AMQP сообщение из envelope.
func NewPublishing(env broker.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/cloudevents+json",
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		MessageId:    env.ID,
		Timestamp:    env.Time,
		Type:         string(env.Type),
		AppId:        env.Source,
		Body:         body,
	}, nil
}

// Probe выполняет Ping, затем HealthChecks публикаций health-check с паузой
// HealthCheckDelay, каждая с ожиданием подтверждения.
func (c *Connection) Probe(ctx context.Context, subject string) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	return c.healthCheck(ctx, subject)
}

func (c *Connection) healthCheck(ctx context.Context, subject string) error {
	for i := 1; i <= c.opts.HealthChecks; i++ {
		env, err := broker.NewEnvelope(broker.ChannelHealthCheck, subject, broker.HealthCheckPayload{Sequence: i}, time.Now())
		if err != nil {
			return err
		}
		if err := c.publishConfirmed(ctx, env); err != nil {
			return fmt.Errorf("health check %d/%d: %w", i, c.opts.HealthChecks, err)
		}

		if i < c.opts.HealthChecks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.HealthCheckDelay):
			}
		}
	}

	c.logger.Debug("health checks passed", "count", c.opts.HealthChecks)
	return nil
}

// confirmation — подтверждение публикации (*amqp.DeferredConfirmation).
type confirmation interface {
	Done() <-chan struct{}
	Acked() bool
	WaitContext(ctx context.Context) (bool, error)
}

// publishChannel — канал в confirm mode, через который идут публикации.
type publishChannel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
	Close() error
}

// amqpPublishChannel — publishChannel поверх *amqp.Channel.
type amqpPublishChannel struct {
	*amqp.Channel
}

func (ch amqpPublishChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		msg,
	)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}
