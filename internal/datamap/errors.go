package datamap

import (
	"errors"
	"fmt"
)

// ErrValidation — общая ошибка валидации data map.
// Все ошибки пакета матчатся через errors.Is(err, ErrValidation).
var ErrValidation = errors.New("data map validation failed")

// Причины ошибки валидации.
var (
	// ErrEmptyKey — ключ пустой или состоит из пробелов.
	ErrEmptyKey = errors.New("key is empty")

	// ErrKeyTooLong — ключ длиннее MaxKeyLength.
	ErrKeyTooLong = errors.New("key is too long")

	// ErrReservedKey — ключ начинается с зарезервированного префикса.
	ErrReservedKey = errors.New("key uses reserved prefix")

	// ErrValueTooLong — значение длиннее MaxValueLength.
	ErrValueTooLong = errors.New("value is too long")

	// ErrTooManyEntries — в карте уже MaxEntries записей.
	ErrTooManyEntries = errors.New("data map is full")
)

// ValidationError — ошибка валидации с контекстом ключа.
type ValidationError struct {
	Key string // ключ, вызвавший ошибку
	Err error  // причина (одна из ErrEmptyKey, ErrKeyTooLong, ...)
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: key %q: %s", ErrValidation, e.Key, e.Err)
}

// Unwrap возвращает ErrValidation и конкретную причину.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

func validationError(key string, reason error) error {
	return &ValidationError{Key: key, Err: reason}
}
