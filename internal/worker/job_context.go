package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/jobrun/internal/aggregate"
	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// JobContext — API, доступный job'у во время run.
//
// Каждое изменение data maps и метрик применяется локально и сразу
// публикуется в scheduler. Если публикация не удалась, изменение остаётся
// локально, ошибка логируется и в пользовательский код не возвращается.
// Ошибки валидации (datamap.ErrValidation) возвращаются всегда.
//
// Все методы потокобезопасны.
type JobContext struct {
	ec        *domain.ExecutionContext
	broker    *broker.Broker
	collector *aggregate.Collector
	logger    *slog.Logger
	jobLogger *slog.Logger
	started   time.Time

	mu      sync.Mutex
	metrics domain.RuntimeMetrics
}

// NewJobContext создаёт JobContext для контекста и broker'а run'а.
// Время выполнения отсчитывается от момента создания.
func NewJobContext(ec *domain.ExecutionContext, b *broker.Broker, logger *slog.Logger) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobContext{
		ec:        ec,
		broker:    b,
		collector: aggregate.NewCollector(b, logger, aggregate.DefaultMaxItems),
		logger:    logger,
		jobLogger: logger,
		started:   time.Now(),
	}
}

// FireInstanceID возвращает идентификатор run'а.
func (jc *JobContext) FireInstanceID() string {
	return jc.ec.FireInstanceID
}

// JobKey возвращает ключ job.
func (jc *JobContext) JobKey() domain.Key {
	return jc.ec.JobDetails.Key
}

// TriggerKey возвращает ключ trigger.
func (jc *JobContext) TriggerKey() domain.Key {
	return jc.ec.TriggerDetails.Key
}

// Environment возвращает имя окружения run'а.
func (jc *JobContext) Environment() string {
	return jc.ec.Environment
}

// Recovering возвращает true для повторного запуска после сбоя scheduler'а.
func (jc *JobContext) Recovering() bool {
	return jc.ec.Recovering
}

// Settings возвращает копию настроек job.
func (jc *JobContext) Settings() *datamap.DataMap {
	return jc.ec.JobSettings.Clone()
}

// MergedData возвращает копию объединённых job и trigger data.
func (jc *JobContext) MergedData() *datamap.DataMap {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.ec.MergedDataMap.Clone()
}

// JobData возвращает копию job data.
func (jc *JobContext) JobData() *datamap.DataMap {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.ec.JobDetails.DataMap.Clone()
}

// TriggerData возвращает копию trigger data.
func (jc *JobContext) TriggerData() *datamap.DataMap {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.ec.TriggerDetails.DataMap.Clone()
}

// PutJobData записывает значение в job data. nil — null.
func (jc *JobContext) PutJobData(ctx context.Context, key string, value *string) error {
	return jc.put(ctx, jc.ec.JobDetails.DataMap, broker.ChannelPutJobData, key, value)
}

// PutTriggerData записывает значение в trigger data. nil — null.
func (jc *JobContext) PutTriggerData(ctx context.Context, key string, value *string) error {
	return jc.put(ctx, jc.ec.TriggerDetails.DataMap, broker.ChannelPutTriggerData, key, value)
}

// RemoveJobData удаляет ключ из job data. Возвращает false, если ключа не было.
func (jc *JobContext) RemoveJobData(ctx context.Context, key string) bool {
	return jc.remove(ctx, jc.ec.JobDetails.DataMap, broker.ChannelRemoveJobData, key)
}

// RemoveTriggerData удаляет ключ из trigger data. Возвращает false, если ключа не было.
func (jc *JobContext) RemoveTriggerData(ctx context.Context, key string) bool {
	return jc.remove(ctx, jc.ec.TriggerDetails.DataMap, broker.ChannelRemoveTriggerData, key)
}

// ClearJobData очищает job data и возвращает количество удалённых записей.
func (jc *JobContext) ClearJobData(ctx context.Context) int {
	return jc.clear(ctx, jc.ec.JobDetails.DataMap, broker.ChannelClearJobData)
}

// ClearTriggerData очищает trigger data и возвращает количество удалённых записей.
func (jc *JobContext) ClearTriggerData(ctx context.Context) int {
	return jc.clear(ctx, jc.ec.TriggerDetails.DataMap, broker.ChannelClearTriggerData)
}

func (jc *JobContext) put(ctx context.Context, m *datamap.DataMap, channel broker.Channel, key string, value *string) error {
	jc.mu.Lock()
	if err := datamap.Put(m, key, value); err != nil {
		jc.mu.Unlock()
		return err
	}
	jc.ec.RebuildMerged()
	err := jc.broker.PublishPayload(ctx, channel, broker.DataPayload{Key: key, Value: value})
	jc.mu.Unlock()

	jc.mirrorFailed(channel, key, err)
	return nil
}

func (jc *JobContext) remove(ctx context.Context, m *datamap.DataMap, channel broker.Channel, key string) bool {
	jc.mu.Lock()
	removed := datamap.Remove(m, key)
	if !removed {
		jc.mu.Unlock()
		return false
	}
	jc.ec.RebuildMerged()
	err := jc.broker.PublishPayload(ctx, channel, broker.DataPayload{Key: key})
	jc.mu.Unlock()

	jc.mirrorFailed(channel, key, err)
	return true
}

func (jc *JobContext) clear(ctx context.Context, m *datamap.DataMap, channel broker.Channel) int {
	jc.mu.Lock()
	n := datamap.Clear(m)
	jc.ec.RebuildMerged()
	err := jc.broker.Publish(ctx, channel)
	jc.mu.Unlock()

	jc.mirrorFailed(channel, "", err)
	return n
}

// mirrorFailed логирует и считает неудачную публикацию изменения.
func (jc *JobContext) mirrorFailed(channel broker.Channel, key string, err error) {
	if err == nil {
		return
	}
	telemetry.MirrorFailures.Inc()
	jc.logger.Warn("data map change not mirrored",
		"channel", channel,
		"key", key,
		"error", err,
	)
}

// UpdateProgress устанавливает прогресс в процентах (приводится к 0..100).
func (jc *JobContext) UpdateProgress(ctx context.Context, value int) {
	jc.setProgress(ctx, domain.ClampProgress(value))
}

// UpdateProgressRatio устанавливает прогресс как current/total.
func (jc *JobContext) UpdateProgressRatio(ctx context.Context, current, total int64) {
	jc.setProgress(ctx, domain.ProgressRatio(current, total))
}

func (jc *JobContext) setProgress(ctx context.Context, progress byte) {
	jc.mu.Lock()
	jc.metrics.Progress = progress
	err := jc.broker.PublishPayload(ctx, broker.ChannelUpdateProgress, broker.ProgressPayload{Progress: progress})
	jc.mu.Unlock()

	jc.mirrorFailed(broker.ChannelUpdateProgress, "", err)
}

// Progress возвращает текущий прогресс.
func (jc *JobContext) Progress() byte {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.metrics.Progress
}

// SetEffectedRows устанавливает количество затронутых записей. nil — сброс.
func (jc *JobContext) SetEffectedRows(ctx context.Context, value *int) {
	jc.mu.Lock()
	jc.metrics.EffectedRows = copyInt(value)
	err := jc.broker.PublishPayload(ctx, broker.ChannelSetEffectedRows, broker.EffectedRowsPayload{Value: copyInt(value)})
	jc.mu.Unlock()

	jc.mirrorFailed(broker.ChannelSetEffectedRows, "", err)
}

// IncreaseEffectedRows увеличивает количество затронутых записей на delta.
// Если значение ещё не задано, отсчёт начинается с нуля.
func (jc *JobContext) IncreaseEffectedRows(ctx context.Context, delta int) {
	jc.mu.Lock()
	current := 0
	if jc.metrics.EffectedRows != nil {
		current = *jc.metrics.EffectedRows
	}
	current += delta
	jc.metrics.EffectedRows = &current
	err := jc.broker.PublishPayload(ctx, broker.ChannelIncreaseEffectedRows, broker.EffectedRowsPayload{Value: &delta})
	jc.mu.Unlock()

	jc.mirrorFailed(broker.ChannelIncreaseEffectedRows, "", err)
}

// EffectedRows возвращает количество затронутых записей или nil.
func (jc *JobContext) EffectedRows() *int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return copyInt(jc.metrics.EffectedRows)
}

// AddAggregateException записывает нефатальное исключение и продолжает run.
func (jc *JobContext) AddAggregateException(ctx context.Context, err error) {
	// ошибка публикации уже залогирована collector'ом
	_ = jc.collector.Add(ctx, err)
}

// CheckAggregateException возвращает *aggregate.AggregateError,
// если было добавлено хотя бы одно исключение.
func (jc *JobContext) CheckAggregateException() error {
	return jc.collector.Check()
}

// AggregateExceptionCount возвращает количество добавленных исключений.
func (jc *JobContext) AggregateExceptionCount() int {
	return jc.collector.Count()
}

// Now возвращает "сейчас" run'а (NowOverride в тестовых запусках).
func (jc *JobContext) Now() time.Time {
	return jc.ec.Now()
}

// JobRunTime возвращает время с начала run.
func (jc *JobContext) JobRunTime() time.Duration {
	return time.Since(jc.started)
}

// Logger возвращает логгер job. Записи уровня Info и выше
// пересылаются в scheduler (append-log).
func (jc *JobContext) Logger() *slog.Logger {
	return jc.jobLogger
}

// Metrics возвращает снимок метрик run'а.
func (jc *JobContext) Metrics() domain.RuntimeMetrics {
	jc.mu.Lock()
	m := jc.metrics
	m.EffectedRows = copyInt(jc.metrics.EffectedRows)
	jc.mu.Unlock()

	m.ExceptionCount = jc.collector.Count()
	m.JobRunTime = jc.JobRunTime()
	return m
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
