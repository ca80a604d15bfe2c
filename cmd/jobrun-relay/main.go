// jobrun-relay — HTTP relay для worker'ов без доступа к RabbitMQ.
//
// Relay:
//   - Принимает envelope на POST /job/failover-publish
//   - Публикует их в exchange jobrun.runtime с подтверждением брокера
//   - Отдаёт /healthz и /metrics
//
// Команда tail подписывается на события runtime и печатает их в stdout.
//
// Использование:
//
//	jobrun-relay [serve] [--addr :5080]
//	jobrun-relay tail [--run <fireInstanceId>]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/config"
	"github.com/shaiso/jobrun/internal/mq"
	"github.com/shaiso/jobrun/internal/relay"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	v := config.New(nil)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}
	serveCmd.Flags().String("addr", config.Defaults["relay_addr"].(string), "Listen address")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print runtime events from RabbitMQ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, _ := cmd.Flags().GetString("run")
			return tail(cmd.Context(), v, run)
		},
	}
	tailCmd.Flags().String("run", "", "Only events of this FireInstanceID")

	rootCmd := &cobra.Command{
		Use:           "jobrun-relay",
		Short:         "jobrun relay — HTTP failover for the worker control channel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.PersistentFlags().String("config", "", "Config file (default: jobrun.yaml in standard locations)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd, tailCmd)

	for key, flag := range map[string]string{
		"config":    "config",
		"log_level": "log-level",
	} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	}
	if err := v.BindPFlag("relay_addr", serveCmd.Flags().Lookup("addr")); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}

// setup загружает конфигурацию, logger и соединение с RabbitMQ.
func setup(ctx context.Context, v *viper.Viper, name string) (*config.Config, *slog.Logger, *mq.Connection, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := telemetry.SetupLoggerTo(os.Stderr, telemetry.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Info("starting "+name, "version", version)

	opts := cfg.MQOptions(logger)
	opts.ConnectionName = name

	conn, err := mq.Dial(ctx, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connected")

	// Создаём топологию
	if err := mq.SetupTopology(ctx, conn); err != nil {
		closeConn(conn, cfg.DrainTimeout, logger)
		return nil, nil, nil, fmt.Errorf("setup topology: %w", err)
	}
	logger.Debug("topology ready", "topology", mq.TopologyInfo())

	return cfg, logger, conn, nil
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, logger, conn, err := setup(ctx, v, "jobrun-relay")
	if err != nil {
		return err
	}
	defer closeConn(conn, cfg.DrainTimeout, logger)

	srv := relay.New(conn, logger, relay.Options{PublishTimeout: cfg.FailoverTimeout})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.RelayAddr)
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("jobrun-relay stopped")
	return nil
}

func tail(ctx context.Context, v *viper.Viper, run string) error {
	cfg, logger, conn, err := setup(ctx, v, "jobrun-relay-tail")
	if err != nil {
		return err
	}
	defer closeConn(conn, cfg.DrainTimeout, logger)

	queue, key := mq.QueueRuntimeEvents, mq.RoutingKeyAll
	if run != "" {
		queue = mq.Queue(string(mq.QueueRuntimeEvents) + "." + run)
		key = mq.RoutingKeyForRun(run)
	}
	if err := mq.DeclareQueue(ctx, conn, queue, key); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	consumer := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:    queue,
		Prefetch: 50,
		Handler: func(_ context.Context, env broker.Envelope) error {
			return enc.Encode(env)
		},
	})

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func closeConn(conn *mq.Connection, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		logger.Warn("failed to close RabbitMQ connection", "error", err)
	}
}
