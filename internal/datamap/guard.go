package datamap

import (
	"strings"
	"unicode/utf8"
)

// Ограничения data map.
const (
	// MaxEntries — максимальное количество записей в одной карте.
	MaxEntries = 1000

	// MaxKeyLength — максимальная длина ключа в символах.
	MaxKeyLength = 100

	// MaxValueLength — максимальная длина значения в символах.
	MaxValueLength = 1000

	// ReservedPrefix — префикс служебных ключей runtime.
	ReservedPrefix = "__"
)

// Validate проверяет ключ.
//
// Зарезервированный префикс проверяется до длины: такой ключ
// отклоняется независимо от длины.
func Validate(key string) error {
	if strings.TrimSpace(key) == "" {
		return validationError(key, ErrEmptyKey)
	}
	if strings.HasPrefix(key, ReservedPrefix) {
		return validationError(key, ErrReservedKey)
	}
	if utf8.RuneCountInString(key) > MaxKeyLength {
		return validationError(key, ErrKeyTooLong)
	}
	return nil
}

// ValidateValue проверяет значение. nil (null) всегда допустим.
func ValidateValue(key string, value *string) error {
	if value == nil {
		return nil
	}
	if utf8.RuneCountInString(*value) > MaxValueLength {
		return validationError(key, ErrValueTooLong)
	}
	return nil
}

// Put записывает значение.
//
// Обновление существующего ключа не учитывается в лимите MaxEntries,
// новый ключ в заполненной карте отклоняется.
func Put(m *DataMap, key string, value *string) error {
	if err := Validate(key); err != nil {
		return err
	}
	if err := ValidateValue(key, value); err != nil {
		return err
	}
	if !m.Contains(key) && m.Len() >= MaxEntries {
		return validationError(key, ErrTooManyEntries)
	}

	m.set(key, value)
	return nil
}

// Remove удаляет ключ. Возвращает false, если ключа не было.
func Remove(m *DataMap, key string) bool {
	if m == nil {
		return false
	}
	return m.delete(key)
}

// Clear удаляет все записи и возвращает их количество.
func Clear(m *DataMap) int {
	if m == nil {
		return 0
	}
	n := len(m.keys)
	m.keys = nil
	m.values = make(map[string]*string)
	return n
}

// Merge объединяет карты в новую. При совпадении ключей побеждает override.
//
// Порядок: сначала ключи base, затем ключи, которые есть только в override.
// Исходные карты не изменяются.
func Merge(base, override *DataMap) *DataMap {
	out := base.Clone()
	if override == nil {
		return out
	}
	for _, k := range override.keys {
		var v *string
		if src := override.values[k]; src != nil {
			v = Value(*src)
		}
		out.set(k, v)
	}
	return out
}

// Sanitize удаляет записи, которые не проходят валидацию, и записи сверх MaxEntries.
// Возвращает удалённые ключи.
//
// Используется после декодирования контекста: расхождение версий scheduler
// и runtime не должно ронять run.
func Sanitize(m *DataMap) []string {
	if m == nil {
		return nil
	}

	var removed []string
	kept := 0
	for _, k := range m.Keys() {
		if Validate(k) != nil || ValidateValue(k, m.values[k]) != nil || kept >= MaxEntries {
			m.delete(k)
			removed = append(removed, k)
			continue
		}
		kept++
	}
	return removed
}
