package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/failover"
	"github.com/shaiso/jobrun/internal/mq"
)

// Connector открывает транспорт для run'а и проверяет, что он работает.
// subject — FireInstanceID.
type Connector func(ctx context.Context, subject string) (broker.Transport, error)

// Connectors — основной и резервный способы открыть control channel.
type Connectors struct {
	// Primary — основной канал (RabbitMQ). Вызывается до ConnectAttempts раз.
	Primary Connector

	// Failover — HTTP relay. Используется, только если Primary не удался. Может быть nil.
	Failover Connector
}

// transportCloser — транспорт, которому нужно закрытие (mq.Connection).
type transportCloser interface {
	Close(ctx context.Context) error
}

// AMQPConnector подключается к RabbitMQ и выполняет health checks.
// ConnectionName берётся из subject.
func AMQPConnector(opts mq.Options) Connector {
	return func(ctx context.Context, subject string) (broker.Transport, error) {
		o := opts
		o.ConnectionName = subject

		conn, err := mq.Dial(ctx, o)
		if err != nil {
			return nil, err
		}

		if err := conn.Probe(ctx, subject); err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
			return nil, fmt.Errorf("probe: %w", err)
		}

		return conn, nil
	}
}

// FailoverConnector создаёт клиента relay и проверяет его через Ping.
func FailoverConnector(baseURL string, timeout time.Duration, httpClient *http.Client) Connector {
	return func(ctx context.Context, subject string) (broker.Transport, error) {
		client := &failover.Client{
			BaseURL:    baseURL,
			ClientID:   subject,
			Timeout:    timeout,
			HTTPClient: httpClient,
		}
		if err := client.Ping(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}
