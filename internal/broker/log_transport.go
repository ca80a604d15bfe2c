package broker

import (
	"context"
	"log/slog"
)

// LogTransport — транспорт debug-режима: вместо отправки пишет envelope в лог.
// Production-канал в debug-режиме не открывается.
type LogTransport struct {
	Logger *slog.Logger
}

// Name реализует Transport.
func (t *LogTransport) Name() string {
	return "log"
}

// Publish реализует Transport.
func (t *LogTransport) Publish(ctx context.Context, env Envelope) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// append-log дублировал бы локальный лог
	if env.Type == ChannelAppendLog {
		return nil
	}

	logger.InfoContext(ctx, "runtime event",
		"channel", env.Type,
		"data", string(env.Data),
	)
	return nil
}
