// jobrun-worker — выполняет один run job'а.
//
// Worker:
//   - Получает execution context от scheduler'а (--context или JOBRUN_CONTEXT)
//   - Открывает control channel: RabbitMQ, при неудаче HTTP relay
//   - Выполняет job по типу (http, delay, transform)
//   - Публикует прогресс, изменения data map и итог run
//
// В debug режиме контекст собирается из JobProfiles.yml, события пишутся в лог.
//
// Использование:
//
//	jobrun-worker --context <base64> [--env Production] [--port 5672]
//	jobrun-worker --mode debug [--worker-dir ./worker]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaiso/jobrun/internal/config"
	"github.com/shaiso/jobrun/internal/debugger"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/jobs"
	"github.com/shaiso/jobrun/internal/telemetry"
	"github.com/shaiso/jobrun/internal/worker"
)

// version задаётся через ldflags при сборке.
var version = "dev"

// errRunFailed — run завершился неуспешно; подробности уже в логе.
var errRunFailed = errors.New("run failed")

func main() {
	v := config.New(nil)

	rootCmd := &cobra.Command{
		Use:           "jobrun-worker",
		Short:         "jobrun worker — runs a single scheduled job",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.String("mode", string(worker.ModeProduction), "Run mode: production or debug")
	flags.String("context", "", "Execution context (base64), \"-\" reads it from stdin")
	flags.String("env", "", "Environment name for JobSettings.<env>.yml")
	flags.Int("port", config.Defaults["broker_port"].(int), "RabbitMQ port")
	flags.String("config", "", "Config file (default: jobrun.yaml in standard locations)")
	flags.String("worker-dir", ".", "Directory with JobSettings*.yml and JobProfiles.yml")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("metrics-addr", "", "Address for /healthz and /metrics (disabled if empty)")
	flags.String("failover-url", "", "HTTP relay URL used when RabbitMQ is unavailable")

	for key, flag := range map[string]string{
		"config":       "config",
		"mode":         "mode",
		"context":      "context",
		"environment":  "env",
		"broker_port":  "port",
		"worker_dir":   "worker-dir",
		"log_level":    "log-level",
		"metrics_addr": "metrics-addr",
		"failover_url": "failover-url",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := telemetry.SetupLoggerTo(os.Stdout, telemetry.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Info("starting jobrun-worker", "version", version)

	mode, err := worker.ParseMode(v.GetString("mode"))
	if err != nil {
		return err
	}

	payload, err := loadPayload(mode, v, cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	connectors := worker.Connectors{
		Primary: worker.AMQPConnector(cfg.MQOptions(logger)),
	}
	if cfg.FailoverURL != "" {
		connectors.Failover = worker.FailoverConnector(cfg.FailoverURL, cfg.FailoverTimeout, nil)
	}

	sup := worker.New(worker.Options{
		Registry:        jobs.NewRegistry(),
		Connectors:      connectors,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryDelay:      cfg.ReconnectDelay,
		DefaultTimeout:  cfg.DefaultTimeout,
		TimeoutGrace:    cfg.TimeoutGrace,
		KillGrace:       cfg.KillGrace,
		CloseTimeout:    cfg.DrainTimeout,
		LogForward: telemetry.ForwardOptions{
			RatePerSec: cfg.LogForwardRate,
			Burst:      cfg.LogForwardBurst,
		},
		Logger: logger,
	})

	result := sup.Run(ctx, worker.Launch{Payload: payload, Mode: mode})

	logger.Info("jobrun-worker stopped",
		"success", result.Success,
		"state", result.State,
		"transport", result.Transport,
	)
	if !result.Success {
		return errRunFailed
	}
	return nil
}

// loadPayload возвращает execution context: из флага/stdin в production,
// из выбранного профиля в debug.
func loadPayload(mode worker.Mode, v *viper.Viper, cfg *config.Config) (string, error) {
	if mode == worker.ModeDebug {
		fs := afero.NewOsFs()

		profiles, err := debugger.LoadProfiles(fs, filepath.Join(cfg.WorkerDir, debugger.FileName))
		if err != nil {
			return "", err
		}
		profile, err := debugger.Pick(profiles, os.Stdin, os.Stderr)
		if err != nil {
			return "", err
		}
		ec, err := profile.Build(fs, debugger.BuildOptions{
			Root:        cfg.WorkerDir,
			Environment: v.GetString("environment"),
		})
		if err != nil {
			return "", err
		}
		return domain.EncodeExecutionContext(ec)
	}

	payload := v.GetString("context")
	if payload == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read context from stdin: %w", err)
		}
		payload = string(data)
	}

	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", errors.New("execution context is required (--context or JOBRUN_CONTEXT)")
	}
	return payload, nil
}

// serveMetrics запускает HTTP mux: /healthz + /metrics.
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return srv
}
