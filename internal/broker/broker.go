package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/jobrun/internal/telemetry"
)

// ErrNoTransport — активный транспорт не установлен.
var ErrNoTransport = errors.New("no active transport")

// Transport — канал доставки envelope в scheduler.
//
// Реализации: mq.Connection (основной), failover.Client, LogTransport (debug).
type Transport interface {
	// Name — имя транспорта для логов и метрик.
	Name() string

	// Publish передаёт envelope транспорту.
	Publish(ctx context.Context, env Envelope) error
}

// ConfirmingTransport — транспорт, умеющий дождаться подтверждения доставки.
type ConfirmingTransport interface {
	Transport

	// PublishConfirmed возвращается только после подтверждения брокером.
	PublishConfirmed(ctx context.Context, env Envelope) error
}

// Broker — единая точка публикации событий run'а.
//
// Сборка envelope и передача транспорту выполняются под одним mutex:
// порядок публикаций в пределах канала совпадает с порядком вызовов.
// Активный транспорт принадлежит supervisor'у и устанавливается через SetTransport.
type Broker struct {
	subject string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	transport Transport
}

// New создаёт Broker для run'а с указанным FireInstanceID.
func New(subject string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subject: subject,
		logger:  logger,
		now:     time.Now,
	}
}

// SetTransport устанавливает активный транспорт и возвращает предыдущий.
func (b *Broker) SetTransport(t Transport) Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.transport
	b.transport = t
	return prev
}

// Transport возвращает активный транспорт.
func (b *Broker) Transport() Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport
}

// Subject возвращает FireInstanceID run'а.
func (b *Broker) Subject() string {
	return b.subject
}

// Publish публикует событие без payload.
func (b *Broker) Publish(ctx context.Context, channel Channel) error {
	return b.publish(ctx, channel, nil, false)
}

// PublishPayload публикует событие с payload.
func (b *Broker) PublishPayload(ctx context.Context, channel Channel, payload any) error {
	return b.publish(ctx, channel, payload, false)
}

// PublishCritical публикует событие и ждёт подтверждения доставки,
// если транспорт это поддерживает. Используется для итогового статуса и исключений.
func (b *Broker) PublishCritical(ctx context.Context, channel Channel, payload any) error {
	return b.publish(ctx, channel, payload, true)
}

func (b *Broker) publish(ctx context.Context, channel Channel, payload any, confirm bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.transport == nil {
		return fmt.Errorf("publish %s: %w", channel, ErrNoTransport)
	}

	env, err := NewEnvelope(channel, b.subject, payload, b.now())
	if err != nil {
		return err
	}

	name := b.transport.Name()

	if ct, ok := b.transport.(ConfirmingTransport); ok && confirm {
		err = ct.PublishConfirmed(ctx, env)
	} else {
		err = b.transport.Publish(ctx, env)
	}

	if err != nil {
		telemetry.EnvelopesFailed.WithLabelValues(string(channel), name).Inc()
		return fmt.Errorf("publish %s via %s: %w", channel, name, err)
	}

	telemetry.EnvelopesPublished.WithLabelValues(string(channel), name).Inc()
	b.logger.Debug("published envelope",
		"channel", channel,
		"transport", name,
		"envelope_id", env.ID,
	)

	return nil
}
