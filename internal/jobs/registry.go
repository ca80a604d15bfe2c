// Package jobs содержит встроенные job'ы worker runtime.
//
// Реализации:
//   - HTTPJob — HTTP-запрос с повторами (http)
//   - DelayJob — задержка с прогрессом (delay)
//   - TransformJob — рендеринг шаблонов в job data (transform)
//
// Параметры job'ов берутся из объединённых job и trigger data и
// поддерживают Go templates (см. TemplateContext).
package jobs

import "github.com/shaiso/jobrun/internal/worker"

// Типы встроенных job'ов.
const (
	TypeHTTP      = "http"
	TypeDelay     = "delay"
	TypeTransform = "transform"
)

// Register добавляет встроенные job'ы в реестр.
func Register(r *worker.Registry) {
	r.Register(TypeHTTP, func() worker.Job { return &HTTPJob{} })
	r.Register(TypeDelay, func() worker.Job { return &DelayJob{} })
	r.Register(TypeTransform, func() worker.Job { return &TransformJob{} })
}

// NewRegistry создаёт реестр со встроенными job'ами.
func NewRegistry() *worker.Registry {
	r := worker.NewRegistry()
	Register(r)
	return r
}
