package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/jobrun/internal/broker"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// ExchangeRuntime — topic exchange для событий worker runtime.
const ExchangeRuntime Exchange = "jobrun.runtime"

// QueueRuntimeEvents — очередь наблюдателя по умолчанию (jobrun-relay tail).
const QueueRuntimeEvents Queue = "jobrun.runtime.events"

// RoutingKeyAll — binding на все события.
const RoutingKeyAll RoutingKey = "#"

// RoutingKeyFor возвращает routing key "<fireInstanceId>.<channel>".
func RoutingKeyFor(subject string, channel broker.Channel) RoutingKey {
	return RoutingKey(subject + "." + string(channel))
}

// RoutingKeyForRun — binding на все события одного run'а.
func RoutingKeyForRun(subject string) RoutingKey {
	return RoutingKey(subject + ".*")
}

// ParseRoutingKey разбирает routing key на FireInstanceID и канал.
// FireInstanceID может содержать точки; канал — последний сегмент.
func ParseRoutingKey(key RoutingKey) (subject string, channel broker.Channel, ok bool) {
	i := strings.LastIndexByte(string(key), '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return string(key[:i]), broker.Channel(key[i+1:]), true
}

// SetupTopology объявляет exchange runtime.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, conn.opts.Exchange)
	})
}

// DeclareQueue объявляет durable очередь и привязывает её к exchange runtime.
func DeclareQueue(ctx context.Context, conn *Connection, queue Queue, key RoutingKey) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			string(queue), // name
			true,          // durable
			false,         // delete when unused
			false,         // exclusive
			false,         // no-wait
			nil,           // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		err = ch.QueueBind(
			string(queue),              // queue name
			string(key),                // routing key
			string(conn.opts.Exchange), // exchange
			false,                      // no-wait
			nil,                        // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", queue, conn.opts.Exchange, err)
		}
		return nil
	})
}

// declareExchange создаёт обменник (идемпотентно).
func declareExchange(ch *amqp.Channel, name Exchange) error {
	err := ch.ExchangeDeclare(
		string(name), // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  jobrun RabbitMQ Topology:

    jobrun.runtime (topic)
    ├── <fireInstanceId>.<channel>   publisher: jobrun-worker, jobrun-relay
    └── jobrun.runtime.events [routing: #]
            Consumer: scheduler / jobrun-relay tail
  `
}
