// Package mq — основной транспорт control-channel поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect, confirm mode, health-check'и
//   - publisher.go  — публикация envelope (broker.ConfirmingTransport)
//   - topology.go   — exchange jobrun.runtime и очереди потребителей
//   - consumer.go   — потребление envelope с дедупликацией по MessageId
//
// Маршрутизация: exchange jobrun.runtime (topic), routing key
// "<fireInstanceId>.<channel>", например "3f2a...c1.update-progress".
//
// Доставка: publisher confirms + persistent + уникальный MessageId.
// Потребитель отбрасывает повторы по MessageId.
package mq
