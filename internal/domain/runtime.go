package domain

import (
	"math"
	"time"
)

// RunState — состояние supervisor'а.
//
// Жизненный цикл:
//
//	INITIALIZING → CHANNEL_OPENING → RUNNING → FINALIZING → TERMINATED
//
// Из любого состояния до RUNNING возможен переход сразу в FINALIZING
// (ошибка связи или инициализации).
type RunState string

const (
	// RunStateInitializing — декодирование контекста, конфигурация, wiring.
	RunStateInitializing RunState = "INITIALIZING"

	// RunStateChannelOpening — подключение к control channel или failover.
	RunStateChannelOpening RunState = "CHANNEL_OPENING"

	// RunStateRunning — выполняется пользовательский код.
	RunStateRunning RunState = "RUNNING"

	// RunStateFinalizing — back-mapping, остановка watchdog, закрытие канала.
	RunStateFinalizing RunState = "FINALIZING"

	// RunStateTerminated — run завершён.
	RunStateTerminated RunState = "TERMINATED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s RunState) IsTerminal() bool {
	return s == RunStateTerminated
}

// String возвращает строковое представление RunState.
func (s RunState) String() string {
	return string(s)
}

// ExceptionRecord — исключение, переданное в scheduler.
type ExceptionRecord struct {
	// Message — короткое сообщение (одна строка).
	Message string `json:"message"`

	// FullText — полный текст: тип, сообщение, цепочка причин.
	FullText string `json:"full_text"`
}

// RuntimeMetrics — счётчики текущего run.
//
// Владелец — worker.JobContext; каждое изменение сразу публикуется в scheduler.
type RuntimeMetrics struct {
	// EffectedRows — количество затронутых записей; nil, если job его не сообщал.
	EffectedRows *int `json:"effected_rows"`

	// ExceptionCount — количество aggregate exceptions.
	ExceptionCount int `json:"exception_count"`

	// Progress — прогресс 0..100.
	Progress byte `json:"progress"`

	// JobRunTime — время выполнения с момента старта процесса.
	JobRunTime time.Duration `json:"job_run_time"`
}

// ClampProgress приводит значение к диапазону 0..100.
func ClampProgress(value int) byte {
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return byte(value)
	}
}

// ProgressRatio вычисляет прогресс как current/total в процентах.
// total <= 0 даёт 0.
func ProgressRatio(current, total int64) byte {
	switch {
	case total <= 0 || current <= 0:
		return 0
	case current >= total:
		return 100
	case current <= math.MaxInt64/100:
		return byte(current * 100 / total)
	default:
		// current*100 переполнит int64; 0 < current/total < 1
		return ClampProgress(int(float64(current) / float64(total) * 100))
	}
}
