// Package relay — HTTP сервер failover-транспорта.
//
// Worker, не сумевший подключиться к RabbitMQ, отправляет envelope сюда;
// relay публикует их в exchange jobrun.runtime через собственное соединение
// и отвечает 202 только после подтверждения брокером.
//
// Endpoints:
//
//	POST /job/failover-publish   {"ClientId": "...", "CloudEvent": {...}}
//	GET  /healthz                200, если соединение с брокером установлено
//	GET  /metrics                Prometheus
package relay
