// Package brokertest предоставляет транспорт-заглушку для тестов.
package brokertest

import (
	"context"
	"sync"

	"github.com/shaiso/jobrun/internal/broker"
)

// Recorder — Transport, который запоминает envelope.
//
// Fail, если задан, вызывается перед записью; ненулевая ошибка
// возвращается вызывающему, envelope не запоминается.
type Recorder struct {
	Fail func(env broker.Envelope) error

	mu        sync.Mutex
	envelopes []broker.Envelope
	confirmed int
}

// Name реализует broker.Transport.
func (r *Recorder) Name() string {
	return "recorder"
}

// Publish реализует broker.Transport.
func (r *Recorder) Publish(_ context.Context, env broker.Envelope) error {
	if r.Fail != nil {
		if err := r.Fail(env); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

// PublishConfirmed реализует broker.ConfirmingTransport.
func (r *Recorder) PublishConfirmed(ctx context.Context, env broker.Envelope) error {
	if err := r.Publish(ctx, env); err != nil {
		return err
	}
	r.mu.Lock()
	r.confirmed++
	r.mu.Unlock()
	return nil
}

// Envelopes возвращает копию всех записанных envelope.
func (r *Recorder) Envelopes() []broker.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broker.Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// ByChannel возвращает envelope указанного канала в порядке публикации.
func (r *Recorder) ByChannel(channel broker.Channel) []broker.Envelope {
	var out []broker.Envelope
	for _, env := range r.Envelopes() {
		if env.Type == channel {
			out = append(out, env)
		}
	}
	return out
}

// Confirmed возвращает количество подтверждённых публикаций.
func (r *Recorder) Confirmed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}
