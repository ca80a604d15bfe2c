// Package aggregate накапливает нефатальные исключения run'а.
//
// Job добавляет исключение и продолжает работу; каждое исключение сразу
// публикуется в scheduler (add-aggregate-exception). Фатальным накопленное
// становится только после явного Check.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// DefaultMaxItems — сколько исключений хранится полностью.
const DefaultMaxItems = 25

// ErrAggregate — run содержит накопленные исключения.
var ErrAggregate = errors.New("aggregate exceptions recorded")

const ruleLine = "------------------------------------------------------------"

// Publisher — то, что нужно Collector'у от broker.Broker.
type Publisher interface {
	PublishCritical(ctx context.Context, channel broker.Channel, payload any) error
}

// AggregateError — ошибка Check с полной сводкой.
type AggregateError struct {
	Count   int
	Summary string
}

// Error реализует интерфейс error.
func (e *AggregateError) Error() string {
	return fmt.Sprintf("%s: %d exception(s)\n%s", ErrAggregate, e.Count, e.Summary)
}

// Unwrap возвращает ErrAggregate.
func (e *AggregateError) Unwrap() error {
	return ErrAggregate
}

// Collector — потокобезопасный накопитель исключений.
type Collector struct {
	publisher Publisher
	logger    *slog.Logger
	maxItems  int

	mu      sync.Mutex
	records []domain.ExceptionRecord
	count   int
}

// NewCollector создаёт Collector. maxItems <= 0 — DefaultMaxItems.
func NewCollector(publisher Publisher, logger *slog.Logger, maxItems int) *Collector {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		publisher: publisher,
		logger:    logger,
		maxItems:  maxItems,
	}
}

// Add записывает исключение и публикует его.
//
// Запись сохраняется локально всегда (в пределах maxItems; сверх лимита
// только считается). Возвращается ошибка публикации, если она была.
func (c *Collector) Add(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	record := NewRecord(err)

	c.mu.Lock()
	c.count++
	if len(c.records) < c.maxItems {
		c.records = append(c.records, record)
	}
	total := c.count
	c.mu.Unlock()

	telemetry.AggregateExceptions.Inc()
	c.logger.Warn("aggregate exception added",
		"count", total,
		"error", record.Message,
	)

	if c.publisher == nil {
		return nil
	}

	if pubErr := c.publisher.PublishCritical(ctx, broker.ChannelAddAggregateException, record); pubErr != nil {
		c.logger.Warn("failed to publish aggregate exception", "error", pubErr)
		return pubErr
	}
	return nil
}

// AddAsync выполняет Add в отдельной горутине. Канал получает результат и закрывается.
func (c *Collector) AddAsync(ctx context.Context, err error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- c.Add(ctx, err)
	}()
	return done
}

// Count возвращает общее количество добавленных исключений.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Records возвращает копию сохранённых записей.
func (c *Collector) Records() []domain.ExceptionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ExceptionRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Check возвращает *AggregateError, если есть хотя бы одно исключение.
func (c *Collector) Check() error {
	c.mu.Lock()
	count := c.count
	c.mu.Unlock()

	if count == 0 {
		return nil
	}
	return &AggregateError{Count: count, Summary: c.SummaryText()}
}

// SummaryText формирует сводку.
//
// Одно исключение — его полный текст. Несколько — заголовок с количеством,
// по строке на исключение, затем полные тексты, разделённые линиями.
func (c *Collector) SummaryText() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		return ""
	}
	if c.count == 1 && len(c.records) == 1 {
		return c.records[0].FullText
	}

	var b strings.Builder
	fmt.Fprintf(&b, "There are %d aggregate exceptions:\n", c.count)
	for i, r := range c.records {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, r.Message)
	}
	if dropped := c.count - len(c.records); dropped > 0 {
		fmt.Fprintf(&b, "  ... %d more not retained (limit %d)\n", dropped, c.maxItems)
	}
	for _, r := range c.records {
		b.WriteString(ruleLine)
		b.WriteByte('\n')
		b.WriteString(r.FullText)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewRecord строит ExceptionRecord из ошибки.
func NewRecord(err error) domain.ExceptionRecord {
	return domain.ExceptionRecord{
		Message:  firstLine(err.Error()),
		FullText: FullText(err),
	}
}

// FullText — тип, сообщение и цепочка причин ошибки.
// Если ошибка несёт stack trace (метод StackTrace() string), он добавляется в конец.
func FullText(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	writeChain(&b, err, 0)

	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		if stack := strings.TrimSpace(st.StackTrace()); stack != "" {
			b.WriteString("stack:\n")
			b.WriteString(stack)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeChain(b *strings.Builder, err error, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%T: %s\n", indent, err, err.Error())

	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if inner == nil {
				continue
			}
			fmt.Fprintf(b, "%scaused by:\n", indent)
			writeChain(b, inner, depth+1)
		}
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			fmt.Fprintf(b, "%scaused by:\n", indent)
			writeChain(b, inner, depth+1)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
