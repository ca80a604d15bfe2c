// Package telemetry обеспечивает наблюдаемость worker runtime.
//
// Включает:
//   - logging.go — structured logging через slog
//   - forward.go — пересылка логов job в control channel (append-log)
//   - metrics.go — Prometheus метрики
//
// Worker-процесс живёт недолго, поэтому /metrics поднимается только
// при заданном METRICS_ADDR; relay экспортирует метрики всегда.
package telemetry
