package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки supervisor'а.
var (
	// ErrInitialization — не удалось подготовить run: job type не найден,
	// Configure или Wire завершились ошибкой.
	ErrInitialization = errors.New("initialization failed")

	// ErrCommunication — не удалось открыть ни основной канал, ни failover.
	ErrCommunication = errors.New("control channel unavailable")

	// ErrTimeout — run превысил таймаут trigger'а.
	ErrTimeout = errors.New("job execution timeout")

	// ErrUserCode — job вернул ошибку.
	ErrUserCode = errors.New("job failed")

	// ErrJobPanic — job завершился panic.
	ErrJobPanic = errors.New("job panicked")

	// ErrUnknownJobType — в реестре нет job для данного типа.
	ErrUnknownJobType = errors.New("unknown job type")
)

// PanicError — panic пользовательского кода вместе со stack trace.
type PanicError struct {
	Value any
	Stack string
}

// Error реализует интерфейс error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: %v", ErrJobPanic, e.Value)
}

// Unwrap возвращает ErrJobPanic (или ошибку, переданную в panic).
func (e *PanicError) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrJobPanic, err}
	}
	return []error{ErrJobPanic}
}

// StackTrace возвращает stack trace в момент panic.
func (e *PanicError) StackTrace() string {
	return e.Stack
}

// firstCause разворачивает errors.Join до первой вложенной ошибки.
// Обёртки fmt.Errorf с несколькими %w несут собственный текст и возвращаются
// целиком; aggregate-ошибки и цепочки через Unwrap() error не трогаются.
func firstCause(err error) error {
	for {
		if !isJoin(err) {
			return err
		}
		err = err.(interface{ Unwrap() []error }).Unwrap()[0]
	}
}

// isJoin сообщает, что err — результат errors.Join: текст ошибки состоит
// только из текстов вложенных ошибок через перевод строки.
func isJoin(err error) bool {
	if _, isPanic := err.(*PanicError); isPanic {
		return false
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return false
	}
	inner := joined.Unwrap()
	if len(inner) == 0 || inner[0] == nil {
		return false
	}
	texts := make([]string, 0, len(inner))
	for _, e := range inner {
		if e == nil {
			return false
		}
		texts = append(texts, e.Error())
	}
	return err.Error() == strings.Join(texts, "\n")
}
