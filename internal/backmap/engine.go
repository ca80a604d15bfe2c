package backmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/spf13/cast"

	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/telemetry"
)

// ErrNoGetter — поле объявлено без функции получения значения.
var ErrNoGetter = errors.New("field has no getter")

// Writer — куда записываются значения (worker.JobContext).
// Реализация применяет изменение локально и публикует его в scheduler.
type Writer interface {
	PutJobData(ctx context.Context, key string, value *string) error
	PutTriggerData(ctx context.Context, key string, value *string) error
}

// Report — результат back-mapping.
type Report struct {
	Mapped  []string
	Skipped []string
	Failed  map[string]error
}

// Engine выполняет back-mapping.
type Engine struct {
	logger *slog.Logger
}

// NewEngine создаёт Engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Map записывает объявленные поля.
//
// jobData и triggerData используются только для разрешения TargetAuto.
// Ошибка (или panic) одного поля логируется и не мешает остальным.
func (e *Engine) Map(ctx context.Context, mapping *Mapping, jobData, triggerData *datamap.DataMap, w Writer) Report {
	report := Report{Failed: make(map[string]error)}
	if mapping == nil {
		return report
	}

	for _, field := range mapping.Fields() {
		target := resolveTarget(field, jobData, triggerData)
		if target == TargetIgnore {
			report.Skipped = append(report.Skipped, field.Name)
			continue
		}

		if err := e.mapField(ctx, field, target, w); err != nil {
			telemetry.BackMapFailures.Inc()
			e.logger.Warn("back-mapping failed",
				"field", field.Name,
				"target", target.String(),
				"error", err,
			)
			report.Failed[field.Name] = err
			continue
		}

		e.logger.Debug("field mapped back", "field", field.Name, "target", target.String())
		report.Mapped = append(report.Mapped, field.Name)
	}

	return report
}

// mapField записывает одно поле. Panic в getter'е превращается в ошибку.
func (e *Engine) mapField(ctx context.Context, field Field, target Target, w Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := datamap.Validate(field.Name); err != nil {
		return err
	}
	if field.Get == nil {
		return ErrNoGetter
	}

	value, err := ToExternal(field.Get())
	if err != nil {
		return err
	}
	if err := datamap.ValidateValue(field.Name, value); err != nil {
		return err
	}

	if target == TargetJobData {
		return w.PutJobData(ctx, field.Name, value)
	}
	return w.PutTriggerData(ctx, field.Name, value)
}

// resolveTarget определяет карту для поля. Auto без совпадающего ключа — TargetIgnore.
func resolveTarget(field Field, jobData, triggerData *datamap.DataMap) Target {
	if field.Target != TargetAuto {
		return field.Target
	}
	switch {
	case triggerData.Contains(field.Name):
		return TargetTriggerData
	case jobData.Contains(field.Name):
		return TargetJobData
	default:
		return TargetIgnore
	}
}

// ToExternal переводит значение в строковую форму data map. nil — null.
func ToExternal(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}

	var s string
	switch x := v.(type) {
	case time.Time:
		s = x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		s = x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		s = x.String()
	default:
		converted, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("convert %T: %w", v, err)
		}
		s = converted
	}
	return &s, nil
}
