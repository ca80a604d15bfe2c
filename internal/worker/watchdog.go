package worker

import (
	"sync"
	"time"
)

// Значения по умолчанию для таймаутов run'а.
const (
	// DefaultTimeout — таймаут, если у trigger'а он не задан.
	DefaultTimeout = 2 * time.Hour

	// DefaultTimeoutGrace — запас после таймаута до срабатывания watchdog.
	DefaultTimeoutGrace = 3 * time.Minute

	// DefaultKillGrace — сколько ждать возврата job после отмены.
	DefaultKillGrace = 5 * time.Second
)

// watchdog срабатывает один раз через заданное время, если его не остановили.
type watchdog struct {
	timer *time.Timer
	fired chan struct{}
	once  sync.Once
}

// startWatchdog запускает watchdog.
func startWatchdog(after time.Duration) *watchdog {
	w := &watchdog{fired: make(chan struct{})}
	w.timer = time.AfterFunc(after, func() {
		w.once.Do(func() { close(w.fired) })
	})
	return w
}

// Fired закрывается при срабатывании.
func (w *watchdog) Fired() <-chan struct{} {
	return w.fired
}

// Stop останавливает watchdog. Возвращает false, если он уже сработал.
func (w *watchdog) Stop() bool {
	if w == nil {
		return false
	}
	return w.timer.Stop()
}
