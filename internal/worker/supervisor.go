package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/jobrun/internal/aggregate"
	"github.com/shaiso/jobrun/internal/backmap"
	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/failover"
	"github.com/shaiso/jobrun/internal/mq"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// Mode — режим запуска worker'а.
type Mode string

const (
	// ModeProduction — контекст приходит от scheduler'а, канал — RabbitMQ или relay.
	ModeProduction Mode = "production"

	// ModeDebug — контекст собирается локально, события пишутся в лог.
	ModeDebug Mode = "debug"
)

// ParseMode разбирает режим запуска. Пустая строка — ModeProduction.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeProduction:
		return ModeProduction, nil
	case ModeDebug:
		return ModeDebug, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected production or debug)", s)
	}
}

// DefaultConnectAttempts — попыток основного канала до перехода на failover.
const DefaultConnectAttempts = 3

// Launch — параметры одного run.
type Launch struct {
	// Payload — execution context (base64 от JSON).
	Payload string

	// Mode — режим запуска.
	Mode Mode
}

// Result — итог run. Supervisor.Run никогда не паникует и не возвращает error:
// всё, что произошло, описано здесь.
type Result struct {
	Success       bool
	Err           error
	ExceptionText string
	State         domain.RunState

	// Transport — имя транспорта, через который шли события ("" — канал не открыт).
	Transport string

	Metrics domain.RuntimeMetrics
	BackMap backmap.Report
}

// Options — конфигурация Supervisor.
type Options struct {
	Registry   *Registry
	Connectors Connectors

	// ConnectAttempts — попыток Primary (default: 3).
	ConnectAttempts int

	// RetryDelay — пауза между попытками Primary (default: 1s).
	RetryDelay time.Duration

	// DefaultTimeout — таймаут run, если trigger его не задал (default: 2h).
	DefaultTimeout time.Duration

	// TimeoutGrace — запас после таймаута до срабатывания watchdog (default: 3m).
	TimeoutGrace time.Duration

	// KillGrace — ожидание возврата job после срабатывания watchdog (default: 5s).
	KillGrace time.Duration

	// CloseTimeout — предел для каждого шага завершения (default: 10s).
	CloseTimeout time.Duration

	// ExitFunc завершает процесс, если job не вернулся после KillGrace (default: os.Exit).
	ExitFunc func(code int)

	// MaxAggregateItems — сколько aggregate exceptions хранить полностью (default: 25).
	MaxAggregateItems int

	// LogForward — параметры пересылки логов job в scheduler.
	LogForward telemetry.ForwardOptions

	Logger *slog.Logger
}

// Supervisor управляет жизненным циклом одного run.
//
//	INITIALIZING → CHANNEL_OPENING → RUNNING → FINALIZING → TERMINATED
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state domain.RunState
}

// New создаёт Supervisor.
func New(opts Options) *Supervisor {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = mq.DefaultReconnectDelay
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.TimeoutGrace <= 0 {
		opts.TimeoutGrace = DefaultTimeoutGrace
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = mq.DefaultDrainTimeout
	}
	if opts.ExitFunc == nil {
		opts.ExitFunc = exitProcess
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		state:  domain.RunStateInitializing,
	}
}

// State возвращает текущее состояние.
func (s *Supervisor) State() domain.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state domain.RunState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// run — состояние одного запуска.
type run struct {
	ec      *domain.ExecutionContext
	broker  *broker.Broker
	jc      *JobContext
	job     Job
	initErr error
	logger  *slog.Logger
	forward *logForwarder
	wd      *watchdog
}

// Run выполняет run от декодирования контекста до закрытия канала.
func (s *Supervisor) Run(ctx context.Context, launch Launch) (result Result) {
	started := time.Now()
	s.setState(domain.RunStateInitializing)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panic", "panic", r, "stack", string(debug.Stack()))
			result.Success = false
			result.Err = fmt.Errorf("supervisor panic: %v", r)
			result.ExceptionText = aggregate.FullText(result.Err)
		}
		s.setState(domain.RunStateTerminated)
		result.State = domain.RunStateTerminated

		telemetry.RunOutcomes.WithLabelValues(outcomeOf(result.Err)).Inc()
		telemetry.RunDuration.Observe(time.Since(started).Seconds())
	}()

	r, err := s.initialize(ctx, launch)
	if err != nil {
		s.logger.Error("failed to initialize run", "error", err)
		return failed(err)
	}

	// Открытие канала
	s.setState(domain.RunStateChannelOpening)
	transport, err := s.openChannel(ctx, launch.Mode, r.ec.FireInstanceID, r.logger)
	if err != nil {
		r.logger.Error("control channel unavailable, job will not run", "error", err)
		return failed(err)
	}
	r.broker.SetTransport(transport)
	r.forward.enabled.Store(true)
	result.Transport = transport.Name()

	// Выполнение
	s.setState(domain.RunStateRunning)
	killed, runErr := s.execute(ctx, r)
	if runErr != nil {
		result.Err = runErr
		result.ExceptionText = aggregate.FullText(reportable(runErr))
	}

	if killed {
		s.kill(ctx, r, transport)
		result.Metrics = r.jc.Metrics()
		return result
	}

	// Завершение
	s.setState(domain.RunStateFinalizing)
	result.BackMap = s.finalize(ctx, r, transport, runErr)
	result.Success = runErr == nil
	result.Metrics = r.jc.Metrics()

	if result.Success {
		r.logger.Info("run succeeded", "duration", time.Since(started))
	} else {
		r.logger.Error("run failed", "error", runErr, "duration", time.Since(started))
	}
	return result
}

// initialize декодирует контекст и готовит job.
// Ошибки подготовки job откладываются до RUNNING (run.initErr);
// ошибка декодирования фатальна: без FireInstanceID канал не открыть.
func (s *Supervisor) initialize(ctx context.Context, launch Launch) (*run, error) {
	ec, stripped, err := domain.DecodeExecutionContext(launch.Payload)
	if err != nil {
		// В отличие от ошибок job, не откладывается до открытия канала:
		// без FireInstanceID нет routing key, и scheduler узнаёт о сбое
		// только по коду выхода процесса.
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	logger := telemetry.WithRunID(s.logger, ec.FireInstanceID)
	logger = telemetry.WithJobKey(logger, ec.JobDetails.Key.String())
	logger = telemetry.WithTriggerKey(logger, ec.TriggerDetails.Key.String())

	for _, key := range stripped {
		logger.Warn("invalid data map entry dropped", "entry", key)
	}

	b := broker.New(ec.FireInstanceID, logger)
	jc := NewJobContext(ec, b, logger)
	jc.collector = aggregate.NewCollector(b, logger, s.opts.MaxAggregateItems)

	forward := &logForwarder{broker: b}
	jc.jobLogger = slog.New(telemetry.NewForwardingHandler(logger.Handler(), forward.sink, s.opts.LogForward))

	r := &run{
		ec:      ec,
		broker:  b,
		jc:      jc,
		logger:  logger,
		forward: forward,
	}
	r.job, r.initErr = s.prepare(ctx, ec, jc)
	if r.initErr != nil {
		logger.Error("job initialization failed", "job_type", ec.JobDetails.JobType, "error", r.initErr)
	} else {
		logger.Info("job initialized", "job_type", ec.JobDetails.JobType)
	}

	return r, nil
}

// prepare находит job в реестре и вызывает Configure и Wire.
func (s *Supervisor) prepare(ctx context.Context, ec *domain.ExecutionContext, jc *JobContext) (Job, error) {
	if s.opts.Registry == nil {
		return nil, fmt.Errorf("%w: job registry is not configured", ErrInitialization)
	}

	job, err := s.opts.Registry.Get(ec.JobDetails.JobType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	if c, ok := job.(Configurer); ok {
		if err := protect(func() error { return c.Configure(ctx, ec.JobSettings.Clone()) }); err != nil {
			return job, fmt.Errorf("%w: configure: %w", ErrInitialization, err)
		}
	}

	if w, ok := job.(DependencyWirer); ok {
		if err := protect(func() error { return w.Wire(ctx, jc) }); err != nil {
			return job, fmt.Errorf("%w: wire: %w", ErrInitialization, err)
		}
	}

	return job, nil
}

// openChannel открывает транспорт: Primary до ConnectAttempts раз, затем Failover.
func (s *Supervisor) openChannel(ctx context.Context, mode Mode, subject string, logger *slog.Logger) (broker.Transport, error) {
	if mode == ModeDebug {
		logger.Info("debug mode, runtime events are logged locally")
		return &broker.LogTransport{Logger: logger}, nil
	}

	primaryErr := errors.New("primary connector is not configured")
	if primary := s.opts.Connectors.Primary; primary != nil {
		attempts := s.opts.ConnectAttempts
		for attempt := 1; attempt <= attempts; attempt++ {
			t, err := primary(ctx, subject)
			if err == nil {
				telemetry.ConnectAttempts.WithLabelValues(mq.TransportName, "success").Inc()
				logger.Info("control channel opened", "transport", t.Name(), "attempt", attempt)
				return t, nil
			}

			primaryErr = err
			telemetry.ConnectAttempts.WithLabelValues(mq.TransportName, "failure").Inc()
			logger.Warn("control channel connect failed",
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err,
			)

			if attempt < attempts {
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %w", ErrCommunication, ctx.Err())
				case <-time.After(s.opts.RetryDelay):
				}
			}
		}
	}

	fallback := s.opts.Connectors.Failover
	if fallback == nil {
		return nil, fmt.Errorf("%w: %w", ErrCommunication, primaryErr)
	}

	telemetry.FailoverActivations.Inc()
	logger.Warn("switching to failover transport", "error", primaryErr)

	t, err := fallback(ctx, subject)
	if err != nil {
		telemetry.ConnectAttempts.WithLabelValues(failover.TransportName, "failure").Inc()
		return nil, fmt.Errorf("%w: primary: %w; failover: %w", ErrCommunication, primaryErr, err)
	}

	telemetry.ConnectAttempts.WithLabelValues(failover.TransportName, "success").Inc()
	logger.Info("control channel opened", "transport", t.Name())
	return t, nil
}

// execute запускает job под watchdog'ом.
// killed — job не вернулся за KillGrace после срабатывания watchdog.
func (s *Supervisor) execute(ctx context.Context, r *run) (killed bool, err error) {
	timeout := s.opts.DefaultTimeout
	if r.ec.TriggerDetails.HasTimeout() {
		timeout = r.ec.TriggerDetails.Timeout.Std()
	}
	r.wd = startWatchdog(timeout + s.opts.TimeoutGrace)

	if r.initErr != nil {
		s.report(ctx, r, r.initErr)
		return false, r.initErr
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	jobCtx = telemetry.WithLogger(jobCtx, r.jc.Logger())

	r.logger.Info("job started", "timeout", timeout)

	done := make(chan error, 1)
	go func() {
		done <- protect(func() error { return r.job.Execute(jobCtx, r.jc) })
	}()

	select {
	case jobErr := <-done:
		err = classify(jobCtx, jobErr)
		if err != nil {
			s.report(ctx, r, err)
		}
		return false, err

	case <-r.wd.Fired():
		err = fmt.Errorf("%w: run exceeded %s", ErrTimeout, timeout)
		r.logger.Error("watchdog fired, cancelling job", "timeout", timeout, "grace", s.opts.TimeoutGrace)
		s.report(ctx, r, err)
		cancel()

		select {
		case <-done:
			return false, err
		case <-time.After(s.opts.KillGrace):
			r.logger.Error("job did not return after cancellation", "kill_grace", s.opts.KillGrace)
			return true, err
		}
	}
}

// report публикует ошибку run'а в report-exception.
func (s *Supervisor) report(ctx context.Context, r *run, err error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloseTimeout)
	defer cancel()

	record := aggregate.NewRecord(reportable(err))
	if pubErr := r.broker.PublishCritical(rctx, broker.ChannelReportException, record); pubErr != nil {
		r.logger.Warn("failed to report exception", "error", pubErr)
	}
}

// kill закрывает транспорт и завершает процесс.
func (s *Supervisor) kill(ctx context.Context, r *run, transport broker.Transport) {
	r.forward.enabled.Store(false)
	s.step(ctx, r.logger, "transport close", func(ctx context.Context) error {
		return closeTransport(ctx, transport)
	})
	s.opts.ExitFunc(1)
}

// finalize выполняет шаги завершения. Каждый шаг изолирован.
func (s *Supervisor) finalize(ctx context.Context, r *run, transport broker.Transport, runErr error) backmap.Report {
	var report backmap.Report

	s.step(ctx, r.logger, "back-mapping", func(ctx context.Context) error {
		mapper, ok := r.job.(backmap.Mapper)
		if !ok || r.initErr != nil {
			return nil
		}
		mapping := backmap.NewMapping()
		mapper.BackMap(mapping)
		report = backmap.NewEngine(r.logger).Map(ctx, mapping, r.jc.JobData(), r.jc.TriggerData(), r.jc)
		return nil
	})

	s.step(ctx, r.logger, "watchdog stop", func(context.Context) error {
		r.wd.Stop()
		return nil
	})

	s.step(ctx, r.logger, "log forwarding detach", func(context.Context) error {
		r.forward.enabled.Store(false)
		return nil
	})

	s.step(ctx, r.logger, "final status", func(ctx context.Context) error {
		metrics := r.jc.Metrics()
		runTimeErr := r.broker.PublishPayload(ctx, broker.ChannelJobRunTime, broker.NewRunTimePayload(metrics.JobRunTime))

		status := broker.RunStatusPayload{
			Success:        runErr == nil,
			State:          outcomeOf(runErr),
			ExceptionCount: metrics.ExceptionCount,
			EffectedRows:   metrics.EffectedRows,
			Progress:       metrics.Progress,
			RunTimeMs:      metrics.JobRunTime.Milliseconds(),
		}
		if runErr != nil {
			status.Error = runErr.Error()
		}
		return errors.Join(runTimeErr, r.broker.PublishCritical(ctx, broker.ChannelRunStatus, status))
	})

	s.step(ctx, r.logger, "transport close", func(ctx context.Context) error {
		return closeTransport(ctx, transport)
	})

	return report
}

// step выполняет шаг завершения со своим таймаутом. Ошибка и panic логируются.
func (s *Supervisor) step(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloseTimeout)
	defer cancel()

	if err := protect(func() error { return fn(sctx) }); err != nil {
		logger.Warn("finalization step failed", "step", name, "error", err)
	}
}

// logForwarder пересылает логи job в append-log, пока канал открыт.
type logForwarder struct {
	broker  *broker.Broker
	enabled atomic.Bool
}

func (f *logForwarder) sink(ctx context.Context, entry telemetry.LogEntry) error {
	if !f.enabled.Load() {
		return nil
	}
	return f.broker.PublishPayload(ctx, broker.ChannelAppendLog, entry)
}

// protect вызывает fn, превращая panic в *PanicError.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// classify приводит результат job к ошибкам пакета.
func classify(jobCtx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrUserCode, firstCause(err))
}

// reportable — ошибка, которая уходит в scheduler: без обёртки ErrUserCode.
func reportable(err error) error {
	if !errors.Is(err, ErrUserCode) {
		return err
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if inner := joined.Unwrap(); len(inner) > 1 && inner[0] == ErrUserCode {
			return inner[1]
		}
	}
	return err
}

func closeTransport(ctx context.Context, t broker.Transport) error {
	c, ok := t.(transportCloser)
	if !ok {
		return nil
	}
	return c.Close(ctx)
}

// outcomeOf — итог run для метрик и run-status.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCommunication):
		return "communication"
	case errors.Is(err, ErrInitialization):
		return "initialization"
	default:
		return "failure"
	}
}

func exitProcess(code int) {
	os.Exit(code)
}

func failed(err error) Result {
	return Result{
		Err:           err,
		ExceptionText: aggregate.FullText(err),
	}
}
