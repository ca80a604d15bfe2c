package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shaiso/jobrun/internal/worker"
)

// TemplateContext — данные, доступные в шаблонах параметров job:
//
//	{{ .Data.CustomerID }}
//	{{ .Setting "Api:BaseUrl" }}
//	{{ .Now.Format "2006-01-02" }}
type TemplateContext struct {
	// Data — объединённые job и trigger data (trigger побеждает).
	Data map[string]string

	// Settings — настройки job.
	Settings map[string]string

	// FireInstanceID — идентификатор run'а.
	FireInstanceID string

	// Environment — имя окружения.
	Environment string

	// Now — "сейчас" run'а.
	Now time.Time
}

// NewTemplateContext собирает контекст из JobContext.
func NewTemplateContext(jc *worker.JobContext) *TemplateContext {
	return &TemplateContext{
		Data:           jc.MergedData().ToMap(),
		Settings:       jc.Settings().ToMap(),
		FireInstanceID: jc.FireInstanceID(),
		Environment:    jc.Environment(),
		Now:            jc.Now(),
	}
}

// Setting возвращает настройку по ключу. Ключи настроек содержат ":",
// поэтому в шаблоне они доступны через функцию, а не через поле.
func (c *TemplateContext) Setting(key string) string {
	return c.Settings[key]
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
// Строка без "{{" возвращается как есть.
func Render(tmpl string, ctx *TemplateContext) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}
