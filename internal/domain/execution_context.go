package domain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/jobrun/internal/datamap"
)

// ErrContextDecode — launch payload не удалось декодировать.
var ErrContextDecode = errors.New("execution context decode failed")

// ExecutionContext — снимок одного запуска job, переданный worker-процессу при старте.
//
// Создаётся один раз через DecodeExecutionContext. После создания изменяются
// только data maps и только через пакет datamap (см. worker.JobContext).
type ExecutionContext struct {
	// FireInstanceID — уникальный идентификатор запуска (run).
	FireInstanceID string `json:"fire_instance_id"`

	// JobDetails — описание job.
	JobDetails JobDetails `json:"job_details"`

	// TriggerDetails — описание trigger, который запустил job.
	TriggerDetails TriggerDetails `json:"trigger_details"`

	// MergedDataMap — job data + trigger data, trigger побеждает при конфликте.
	// Пересчитывается при декодировании, из payload не читается.
	MergedDataMap *datamap.DataMap `json:"-"`

	// JobSettings — настройки job, уже слитые из всех источников.
	JobSettings *datamap.DataMap `json:"job_settings"`

	// NowOverride — фиксированное "сейчас" для тестовых запусков.
	NowOverride *time.Time `json:"now_override,omitempty"`

	// Environment — имя окружения (Production, Staging, ...).
	Environment string `json:"environment,omitempty"`

	// Recovering — запуск является восстановлением после сбоя scheduler'а.
	Recovering bool `json:"recovering,omitempty"`

	// FireTime — фактическое время срабатывания trigger.
	FireTime time.Time `json:"fire_time"`

	// ScheduledFireTime — запланированное время срабатывания.
	ScheduledFireTime *time.Time `json:"scheduled_fire_time,omitempty"`
}

// JobDetails — описание job.
type JobDetails struct {
	Key                 Key              `json:"key"`
	JobType             string           `json:"job_type"`
	Description         string           `json:"description,omitempty"`
	Durable             bool             `json:"durable"`
	RequestsRecovery    bool             `json:"requests_recovery"`
	ConcurrentExecution bool             `json:"concurrent_execution"`
	DataMap             *datamap.DataMap `json:"data_map"`
}

// TriggerDetails — описание trigger.
type TriggerDetails struct {
	Key         Key              `json:"key"`
	Description string           `json:"description,omitempty"`
	Timeout     *Duration        `json:"timeout,omitempty"`
	RetrySpan   *Duration        `json:"retry_span,omitempty"`
	RetryNumber int              `json:"retry_number"`
	MaxRetries  int              `json:"max_retries"`
	DataMap     *datamap.DataMap `json:"data_map"`
}

// HasTimeout возвращает true, если у trigger задан положительный таймаут.
func (t *TriggerDetails) HasTimeout() bool {
	return t.Timeout != nil && *t.Timeout > 0
}

// DecodeExecutionContext декодирует launch payload (base64 от JSON).
//
// Записи data maps, которые не проходят валидацию, удаляются, а не роняют run.
// Удалённые ключи возвращаются вторым результатом для логирования.
func DecodeExecutionContext(payload string) (*ExecutionContext, []string, error) {
	raw, err := decodeBase64(strings.TrimSpace(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64: %v", ErrContextDecode, err)
	}

	var ec ExecutionContext
	if err := json.Unmarshal(raw, &ec); err != nil {
		return nil, nil, fmt.Errorf("%w: json: %v", ErrContextDecode, err)
	}

	if ec.FireInstanceID == "" {
		return nil, nil, fmt.Errorf("%w: fire_instance_id is empty", ErrContextDecode)
	}

	stripped := ec.normalize()
	return &ec, stripped, nil
}

// EncodeExecutionContext кодирует контекст в launch payload.
func EncodeExecutionContext(ec *ExecutionContext) (string, error) {
	raw, err := json.Marshal(ec)
	if err != nil {
		return "", fmt.Errorf("marshal execution context: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// normalize заполняет nil-карты, чистит невалидные записи и пересчитывает MergedDataMap.
func (ec *ExecutionContext) normalize() []string {
	if ec.JobDetails.DataMap == nil {
		ec.JobDetails.DataMap = datamap.New()
	}
	if ec.TriggerDetails.DataMap == nil {
		ec.TriggerDetails.DataMap = datamap.New()
	}
	if ec.JobSettings == nil {
		ec.JobSettings = datamap.New()
	}

	var stripped []string
	for _, k := range datamap.Sanitize(ec.JobDetails.DataMap) {
		stripped = append(stripped, "job:"+k)
	}
	for _, k := range datamap.Sanitize(ec.TriggerDetails.DataMap) {
		stripped = append(stripped, "trigger:"+k)
	}

	ec.RebuildMerged()
	return stripped
}

// RebuildMerged пересчитывает MergedDataMap из job и trigger data.
func (ec *ExecutionContext) RebuildMerged() {
	ec.MergedDataMap = datamap.Merge(ec.JobDetails.DataMap, ec.TriggerDetails.DataMap)
}

// Now возвращает NowOverride, если он задан, иначе текущее время.
func (ec *ExecutionContext) Now() time.Time {
	if ec.NowOverride != nil {
		return *ec.NowOverride
	}
	return time.Now()
}

// decodeBase64 пробует стандартный, raw и url-safe алфавиты.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var firstErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
