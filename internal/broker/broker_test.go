package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/broker/brokertest"
)

func TestBroker_NoTransport(t *testing.T) {
	b := broker.New("run-1", nil)

	err := b.Publish(context.Background(), broker.ChannelHealthCheck)
	if !errors.Is(err, broker.ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestBroker_BuildsEnvelope(t *testing.T) {
	rec := &brokertest.Recorder{}
	b := broker.New("run-1", nil)
	b.SetTransport(rec)

	err := b.PublishPayload(context.Background(), broker.ChannelUpdateProgress, broker.ProgressPayload{Progress: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	envs := rec.Envelopes()
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	env := envs[0]

	if env.Type != broker.ChannelUpdateProgress {
		t.Errorf("expected update-progress, got %s", env.Type)
	}
	if env.Subject != "run-1" {
		t.Errorf("expected subject run-1, got %s", env.Subject)
	}
	if env.Source != broker.Source || env.SpecVersion != broker.SpecVersion {
		t.Errorf("unexpected source/specversion: %s %s", env.Source, env.SpecVersion)
	}
	if env.DataContentType != broker.ContentTypeJSON {
		t.Errorf("expected application/json, got %s", env.DataContentType)
	}
	if env.ID == "" || env.Time.IsZero() {
		t.Error("id and time must be set")
	}
	if env.Time.Location().String() != "UTC" {
		t.Errorf("time should be UTC, got %s", env.Time.Location())
	}

	payload, err := broker.Decode[broker.ProgressPayload](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Progress != 40 {
		t.Errorf("expected progress 40, got %d", payload.Progress)
	}
}

func TestBroker_PublishWithoutPayload(t *testing.T) {
	rec := &brokertest.Recorder{}
	b := broker.New("run-1", nil)
	b.SetTransport(rec)

	if err := b.Publish(context.Background(), broker.ChannelClearJobData); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env := rec.Envelopes()[0]; len(env.Data) != 0 {
		t.Errorf("expected empty data, got %s", env.Data)
	}
}

func TestBroker_TransportError(t *testing.T) {
	boom := errors.New("boom")
	rec := &brokertest.Recorder{Fail: func(broker.Envelope) error { return boom }}
	b := broker.New("run-1", nil)
	b.SetTransport(rec)

	err := b.Publish(context.Background(), broker.ChannelHealthCheck)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestBroker_PublishCriticalUsesConfirm(t *testing.T) {
	rec := &brokertest.Recorder{}
	b := broker.New("run-1", nil)
	b.SetTransport(rec)

	if err := b.PublishCritical(context.Background(), broker.ChannelRunStatus, broker.RunStatusPayload{Success: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Publish(context.Background(), broker.ChannelHealthCheck); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Confirmed() != 1 {
		t.Errorf("expected 1 confirmed publish, got %d", rec.Confirmed())
	}
}

func TestBroker_SetTransportReturnsPrevious(t *testing.T) {
	first := &brokertest.Recorder{}
	second := &brokertest.Recorder{}
	b := broker.New("run-1", nil)

	if prev := b.SetTransport(first); prev != nil {
		t.Error("expected nil previous transport")
	}
	if prev := b.SetTransport(second); prev != first {
		t.Error("expected first transport to be returned")
	}
	if b.Transport() != second {
		t.Error("second transport should be active")
	}
}

func TestBroker_PerChannelOrder(t *testing.T) {
	rec := &brokertest.Recorder{}
	b := broker.New("run-1", nil)
	b.SetTransport(rec)

	// Каждая горутина публикует в свой канал; порядок внутри канала сохраняется
	var wg sync.WaitGroup
	channels := []broker.Channel{broker.ChannelPutJobData, broker.ChannelPutTriggerData}
	for _, ch := range channels {
		wg.Add(1)
		go func(ch broker.Channel) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.PublishPayload(context.Background(), ch, broker.DataPayload{Key: fmt.Sprint(i)})
			}
		}(ch)
	}
	wg.Wait()

	for _, ch := range channels {
		envs := rec.ByChannel(ch)
		if len(envs) != 50 {
			t.Fatalf("%s: expected 50 envelopes, got %d", ch, len(envs))
		}
		for i, env := range envs {
			p, _ := broker.Decode[broker.DataPayload](env)
			if p.Key != fmt.Sprint(i) {
				t.Fatalf("%s: out of order at %d: %s", ch, i, p.Key)
			}
		}
	}
}
