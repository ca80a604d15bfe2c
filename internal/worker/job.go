package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/jobrun/internal/datamap"
)

// Job — пользовательский код, выполняемый в run.
//
// ctx отменяется по таймауту trigger'а и при остановке процесса.
// Job, игнорирующий отмену, будет остановлен watchdog'ом вместе с процессом.
type Job interface {
	Execute(ctx context.Context, jc *JobContext) error
}

// JobFunc позволяет использовать функцию как Job.
type JobFunc func(ctx context.Context, jc *JobContext) error

// Execute реализует Job.
func (f JobFunc) Execute(ctx context.Context, jc *JobContext) error {
	return f(ctx, jc)
}

// Configurer — job, которому нужны настройки до запуска.
type Configurer interface {
	Configure(ctx context.Context, settings *datamap.DataMap) error
}

// DependencyWirer — job, который получает зависимости до запуска.
type DependencyWirer interface {
	Wire(ctx context.Context, jc *JobContext) error
}

// Factory создаёт новый экземпляр job для одного run.
type Factory func() Job

// Registry — реестр job'ов по JobType.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создаёт пустой реестр.
// Встроенные job'ы регистрируются пакетом jobs.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register добавляет factory для типа job. Повторная регистрация заменяет прежнюю.
func (r *Registry) Register(jobType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[jobType] = factory
}

// Get создаёт job для типа.
func (r *Registry) Get(jobType string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[jobType]
	r.mu.RUnlock()

	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	job := factory()
	if job == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrUnknownJobType, jobType)
	}
	return job, nil
}

// Types возвращает зарегистрированные типы в алфавитном порядке.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
