package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LogEntry — запись лога job, отправляемая в scheduler (канал append-log).
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogSink принимает записи для пересылки. Ошибка sink'а не влияет на локальный лог.
type LogSink func(ctx context.Context, entry LogEntry) error

// ForwardingHandler — slog.Handler, который пишет в inner и одновременно
// пересылает записи уровня >= Level в LogSink.
//
// Пересылка ограничена rate.Limiter: при превышении лимита запись ждёт токен
// (в пределах ctx записи), а не отбрасывается, чтобы сохранить порядок логов.
type ForwardingHandler struct {
	inner   slog.Handler
	sink    LogSink
	level   slog.Leveler
	limiter *rate.Limiter

	prefix string
	attrs  []string
}

// ForwardOptions — параметры пересылки.
type ForwardOptions struct {
	// Level — минимальный уровень для пересылки (default: INFO).
	Level slog.Leveler

	// RatePerSec — лимит записей в секунду (default: 50).
	RatePerSec float64

	// Burst — размер burst (default: 100).
	Burst int
}

// NewForwardingHandler создаёт ForwardingHandler.
func NewForwardingHandler(inner slog.Handler, sink LogSink, opts ForwardOptions) *ForwardingHandler {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	perSec := opts.RatePerSec
	if perSec <= 0 {
		perSec = 50
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 100
	}

	return &ForwardingHandler{
		inner:   inner,
		sink:    sink,
		level:   level,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Enabled реализует slog.Handler.
func (h *ForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || level >= h.level.Level()
}

// Handle реализует slog.Handler.
func (h *ForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}

	if r.Level < h.level.Level() || h.sink == nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if waitErr := h.limiter.Wait(ctx); waitErr != nil {
		return err
	}

	// Ошибку sink'а не логируем: это привело бы к рекурсии через этот же handler
	_ = h.sink(ctx, LogEntry{
		Time:    r.Time.UTC(),
		Level:   r.Level.String(),
		Message: h.format(r),
	})

	return err
}

// WithAttrs реализует slog.Handler.
func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]string(nil), h.attrs...), formatAttrs(h.prefix, attrs)...)
	return &clone
}

// WithGroup реализует slog.Handler.
func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

// format собирает строку "message k=v k=v".
func (h *ForwardingHandler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(a)
	}

	var recAttrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		recAttrs = append(recAttrs, a)
		return true
	})
	for _, a := range formatAttrs(h.prefix, recAttrs) {
		b.WriteByte(' ')
		b.WriteString(a)
	}

	return b.String()
}

func formatAttrs(prefix string, attrs []slog.Attr) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		v := a.Value.Resolve()
		if v.Kind() == slog.KindGroup {
			out = append(out, formatAttrs(prefix+a.Key+".", v.Group())...)
			continue
		}
		if a.Key == "" {
			continue
		}
		out = append(out, prefix+a.Key+"="+v.String())
	}
	return out
}
