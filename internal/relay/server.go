package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/failover"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// Publisher — куда relay публикует envelope (mq.Connection).
type Publisher interface {
	PublishConfirmed(ctx context.Context, env broker.Envelope) error
	IsConnected() bool
}

// Options — параметры сервера.
type Options struct {
	// PublishTimeout — ожидание подтверждения брокера на один envelope (default: 10s).
	PublishTimeout time.Duration

	// BodyLimit — максимальный размер тела запроса в формате echo (default: "1M").
	BodyLimit string
}

// Server — HTTP сервер relay.
type Server struct {
	echo      *echo.Echo
	publisher Publisher
	logger    *slog.Logger
	opts      Options
}

// New создаёт Server.
func New(publisher Publisher, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = failover.DefaultTimeout
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		publisher: publisher,
		logger:    logger.With("component", "relay"),
		opts:      opts,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.Use(Recovery(s.logger), Logging(s.logger))

	s.echo.POST(failover.PublishPath, s.handlePublish, middleware.BodyLimit(s.opts.BodyLimit))
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Handler возвращает http.Handler сервера.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start запускает сервер. Блокируется до Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("relay listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// Shutdown останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handlePublish — POST /job/failover-publish.
func (s *Server) handlePublish(c echo.Context) error {
	var req failover.Request
	if err := c.Bind(&req); err != nil {
		telemetry.RelayForwarded.WithLabelValues("rejected").Inc()
		return badRequest(c, "invalid request body")
	}

	env, err := ValidateRequest(req)
	if err != nil {
		telemetry.RelayForwarded.WithLabelValues("rejected").Inc()
		return badRequest(c, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.PublishTimeout)
	defer cancel()

	if err := s.publisher.PublishConfirmed(ctx, env); err != nil {
		telemetry.RelayForwarded.WithLabelValues("failed").Inc()
		s.logger.Warn("failed to forward envelope",
			"client_id", req.ClientID,
			"message_id", env.ID,
			"type", env.Type,
			"error", err,
		)
		return errorJSON(c, http.StatusBadGateway, ErrCodeBrokerFailure, err.Error())
	}

	telemetry.RelayForwarded.WithLabelValues("forwarded").Inc()
	s.logger.Debug("envelope forwarded",
		"client_id", req.ClientID,
		"message_id", env.ID,
		"type", env.Type,
	)

	return c.JSON(http.StatusAccepted, AcceptedResponse{ID: env.ID})
}

// handleHealth — GET /healthz.
func (s *Server) handleHealth(c echo.Context) error {
	if !s.publisher.IsConnected() {
		return errorJSON(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "broker connection is down")
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ValidateRequest проверяет запрос и возвращает envelope для публикации.
// Пустой Subject заполняется ClientId; несовпадающий Subject отклоняется.
func ValidateRequest(req failover.Request) (broker.Envelope, error) {
	env := req.CloudEvent

	switch {
	case req.ClientID == "":
		return env, errors.New("ClientId is required")
	case env.ID == "":
		return env, errors.New("CloudEvent.id is required")
	case env.Type == "":
		return env, errors.New("CloudEvent.type is required")
	}

	if env.Subject == "" {
		env.Subject = req.ClientID
	} else if env.Subject != req.ClientID {
		return env, fmt.Errorf("CloudEvent.subject %q does not match ClientId %q", env.Subject, req.ClientID)
	}
	if env.SpecVersion == "" {
		env.SpecVersion = broker.SpecVersion
	}
	if env.Source == "" {
		env.Source = broker.Source
	}
	return env, nil
}
