// Package failover — резервный транспорт через HTTP relay.
//
// Используется, когда RabbitMQ недоступен после ConnectAttempts попыток.
// Каждый envelope отправляется отдельным POST {BaseURL}/job/failover-publish;
// relay (internal/relay) публикует его в RabbitMQ от своего имени.
package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/jobrun/internal/broker"
)

// PublishPath — путь relay для публикации.
const PublishPath = "/job/failover-publish"

// DefaultTimeout — таймаут одного запроса.
const DefaultTimeout = 10 * time.Second

// TransportName — имя транспорта в логах и метриках.
const TransportName = "failover"

// ErrFailoverPublish — relay не принял envelope.
var ErrFailoverPublish = errors.New("failover publish failed")

// Request — тело запроса к relay.
type Request struct {
	ClientID   string          `json:"ClientId"`
	CloudEvent broker.Envelope `json:"CloudEvent"`
}

// Client — HTTP клиент relay. Реализует broker.Transport.
type Client struct {
	// BaseURL — адрес relay, например http://127.0.0.1:5080.
	BaseURL string

	// ClientID — FireInstanceID run'а.
	ClientID string

	// Timeout — таймаут одного запроса. По умолчанию DefaultTimeout.
	Timeout time.Duration

	// HTTPClient — по умолчанию http.DefaultClient.
	HTTPClient *http.Client
}

// Name реализует broker.Transport.
func (c *Client) Name() string {
	return TransportName
}

// Publish отправляет envelope в relay.
func (c *Client) Publish(ctx context.Context, env broker.Envelope) error {
	return c.post(ctx, env)
}

// PublishConfirmed совпадает с Publish: успешный ответ relay означает,
// что envelope подтверждён брокером на стороне relay.
func (c *Client) PublishConfirmed(ctx context.Context, env broker.Envelope) error {
	return c.post(ctx, env)
}

// Ping проверяет relay, отправляя health-check.
func (c *Client) Ping(ctx context.Context) error {
	env, err := broker.NewEnvelope(broker.ChannelHealthCheck, c.ClientID, broker.HealthCheckPayload{}, time.Now())
	if err != nil {
		return err
	}
	return c.post(ctx, env)
}

func (c *Client) post(ctx context.Context, env broker.Envelope) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base url is not configured", ErrFailoverPublish)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Таймаут
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(Request{ClientID: c.ClientID, CloudEvent: env})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrFailoverPublish, err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + PublishPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrFailoverPublish, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailoverPublish, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrFailoverPublish, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Дочитываем тело, чтобы соединение вернулось в пул
	io.Copy(io.Discard, resp.Body)
	return nil
}
