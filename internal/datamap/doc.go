// Package datamap — key/value данные job и trigger и правила их валидации.
//
// Структура:
//   - datamap.go — упорядоченный DataMap (key → string или null)
//   - guard.go   — Validate, Put, Remove, Clear, Merge, Sanitize
//   - errors.go  — ошибки валидации
//
// Ограничения:
//   - ключ непустой, не длиннее MaxKeyLength, без префикса ReservedPrefix
//   - значение не длиннее MaxValueLength символов
//   - не более MaxEntries записей в одной карте
//
// Пакет ничего не знает о транспорте: зеркалирование изменений в scheduler
// выполняет worker.JobContext поверх функций этого пакета.
package datamap
