package mq

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/jobrun/internal/broker"
)

// Handler — функция обработки envelope.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, env broker.Envelope) error

// Consumer потребляет envelope из очереди RabbitMQ.
//
// Повторная доставка одного MessageId (при reconnect публикатора или
// redelivery) подтверждается без вызова handler'а.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int
	seen     *idSet

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик envelope.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int

	// DedupWindow — сколько последних MessageId помнить. По умолчанию 10000.
	DedupWindow int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
		seen:     newIDSet(window),
	}
}

// Start запускает потребление сообщений. Блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue)

		err = c.processDeliveries(ctx, deliveries)
		if !ch.IsClosed() {
			ch.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

// setupConsume открывает отдельный канал потребления.
// Канал публикации работает в confirm mode и для consume не используется.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	c.conn.mu.RLock()
	conn := c.conn.conn
	c.conn.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consume channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (мы ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	env, err := DecodeDelivery(raw.Body)
	if err != nil {
		c.logger.Error("failed to unmarshal envelope",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение не вернётся в очередь
		raw.Nack(false, false)
		return
	}
	env = subjectFromKey(env, RoutingKey(raw.RoutingKey))

	id := raw.MessageId
	if id == "" {
		id = env.ID
	}
	if c.seen.Contains(id) {
		c.logger.Debug("duplicate envelope skipped", "queue", c.queue, "message_id", id)
		raw.Ack(false)
		return
	}

	c.logger.Debug("received envelope",
		"queue", c.queue,
		"message_id", id,
		"type", env.Type,
	)

	if err := c.handler(ctx, env); err != nil {
		c.logger.Error("handler failed",
			"queue", c.queue,
			"message_id", id,
			"type", env.Type,
			"error", err,
		)
		raw.Nack(false, true)
		return
	}

	c.seen.Add(id)
	raw.Ack(false)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// DecodeDelivery разбирает тело сообщения в envelope.
func DecodeDelivery(body []byte) (broker.Envelope, error) {
	var env broker.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return env, fmt.Errorf("envelope without id or type")
	}
	return env, nil
}

// subjectFromKey дополняет Subject из routing key, если envelope пришёл без него.
func subjectFromKey(env broker.Envelope, key RoutingKey) broker.Envelope {
	if env.Subject != "" {
		return env
	}
	if subject, _, ok := ParseRoutingKey(key); ok {
		env.Subject = subject
	}
	return env
}

// idSet — ограниченное множество последних id (вытесняется самый старый).
type idSet struct {
	mu    sync.Mutex
	limit int
	order *list.List
	index map[string]*list.Element
}

func newIDSet(limit int) *idSet {
	return &idSet{
		limit: limit,
		order: list.New(),
		index: make(map[string]*list.Element, limit),
	}
}

func (s *idSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *idSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = s.order.PushBack(id)

	for s.order.Len() > s.limit {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}
