package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/domain"
)

// params — чтение параметров job из data map или настроек.
type params struct {
	m *datamap.DataMap
}

// String возвращает значение или def, если ключа нет или значение null.
func (p params) String(key, def string) string {
	v, ok := p.m.Get(key)
	if !ok || v == nil {
		return def
	}
	return *v
}

// Required возвращает непустое значение или ErrMissingParameter.
func (p params) Required(key string) (string, error) {
	s := strings.TrimSpace(p.String(key, ""))
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	return s, nil
}

// Int разбирает целое число.
func (p params) Int(key string, def int) (int, error) {
	s := strings.TrimSpace(p.String(key, ""))
	if s == "" {
		return def, nil
	}
	n, err := cast.ToIntE(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameter, key, s, err)
	}
	return n, nil
}

// Float разбирает число с плавающей точкой.
func (p params) Float(key string, def float64) (float64, error) {
	s := strings.TrimSpace(p.String(key, ""))
	if s == "" {
		return def, nil
	}
	f, err := cast.ToFloat64E(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameter, key, s, err)
	}
	return f, nil
}

// Duration разбирает длительность ("30s", "00:00:30").
func (p params) Duration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(p.String(key, ""))
	if s == "" {
		return def, nil
	}
	d, err := domain.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, key, err)
	}
	return d, nil
}

// Prefixed возвращает записи с ключом prefix+name в порядке карты.
// Ключи результата — name без префикса; null-значения пропускаются.
func (p params) Prefixed(prefix string) ([]string, map[string]string) {
	var names []string
	values := make(map[string]string)
	for _, k := range p.m.Keys() {
		name, ok := strings.CutPrefix(k, prefix)
		if !ok || name == "" {
			continue
		}
		v, _ := p.m.Get(k)
		if v == nil {
			continue
		}
		names = append(names, name)
		values[name] = *v
	}
	return names, values
}

// truncate обрезает строку до maxLen символов.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
