package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/jobrun/internal/aggregate"
	"github.com/shaiso/jobrun/internal/broker"
	"github.com/shaiso/jobrun/internal/broker/brokertest"
	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExecutionContext(jobType string, data, settings map[string]string) *domain.ExecutionContext {
	ec := &domain.ExecutionContext{
		FireInstanceID: "run-7",
		JobDetails: domain.JobDetails{
			Key:     domain.NewKey("Sync", ""),
			JobType: jobType,
			DataMap: datamap.FromStrings(data),
		},
		TriggerDetails: domain.TriggerDetails{
			Key:     domain.NewKey("Manual", ""),
			DataMap: datamap.New(),
		},
		JobSettings: datamap.FromStrings(settings),
	}
	ec.RebuildMerged()
	return ec
}

func newJobContext(t *testing.T, data, settings map[string]string) (*worker.JobContext, *brokertest.Recorder) {
	t.Helper()

	ec := newExecutionContext("", data, settings)
	rec := &brokertest.Recorder{}
	b := broker.New(ec.FireInstanceID, testLogger())
	b.SetTransport(rec)
	return worker.NewJobContext(ec, b, testLogger()), rec
}

func configured(t *testing.T, settings map[string]string) *HTTPJob {
	t.Helper()
	j := &HTTPJob{}
	if err := j.Configure(context.Background(), datamap.FromStrings(settings)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return j
}

// --- HTTPJob Tests ---

func TestHTTPJob_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/orders/17" {
			t.Errorf("expected rendered path, got %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Run"); got != "run-7" {
			t.Errorf("expected X-Run header, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	jc, _ := newJobContext(t, map[string]string{
		"Url":          server.URL + "/orders/{{ .Data.OrderID }}",
		"OrderID":      "17",
		"Header:X-Run": "{{ .FireInstanceID }}",
	}, nil)

	job := configured(t, nil)
	if err := job.Execute(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.statusCode != http.StatusOK || job.attempts != 1 {
		t.Errorf("expected 200 in 1 attempt, got %d in %d", job.statusCode, job.attempts)
	}
	if job.response != `{"result":"ok"}` {
		t.Errorf("unexpected response: %s", job.response)
	}
	if jc.Progress() != 100 {
		t.Errorf("expected progress 100, got %d", jc.Progress())
	}
}

func TestHTTPJob_POST_WithBody(t *testing.T) {
	var receivedBody, receivedContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		receivedContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		receivedBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	jc, _ := newJobContext(t, map[string]string{
		"Url":    server.URL,
		"Method": "post",
		"Body":   `{"name":"{{ .Data.Name }}"}`,
		"Name":   "test",
	}, nil)

	job := configured(t, nil)
	if err := job.Execute(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody != `{"name":"test"}` {
		t.Errorf("server should receive rendered body, got %s", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if job.statusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", job.statusCode)
	}
}

func TestHTTPJob_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal"}`))
	}))
	defer server.Close()

	jc, rec := newJobContext(t, map[string]string{"Url": server.URL}, nil)

	job := configured(t, nil)
	err := job.Execute(context.Background(), jc)
	if !errors.Is(err, aggregate.ErrAggregate) {
		t.Fatalf("expected aggregate error, got %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("expected status in summary, got %v", err)
	}
	if job.statusCode != http.StatusInternalServerError {
		t.Errorf("status should be kept for back-mapping, got %d", job.statusCode)
	}
	if got := len(rec.ByChannel(broker.ChannelAddAggregateException)); got != 1 {
		t.Errorf("expected 1 aggregate exception, got %d", got)
	}
}

func TestHTTPJob_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jc, _ := newJobContext(t, map[string]string{"Url": server.URL}, nil)
	job := configured(t, map[string]string{
		SettingHTTPRetries:    "2",
		SettingHTTPRetryDelay: "1ms",
	})

	if err := job.Execute(context.Background(), jc); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if job.attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", job.attempts)
	}
	// Неудачная попытка остаётся нефатальным исключением
	if jc.AggregateExceptionCount() != 1 {
		t.Errorf("expected 1 aggregate exception, got %d", jc.AggregateExceptionCount())
	}
}

func TestHTTPJob_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	jc, _ := newJobContext(t, map[string]string{"Url": server.URL}, nil)
	job := configured(t, map[string]string{
		SettingHTTPRetries:    "3",
		SettingHTTPRetryDelay: "1ms",
	})

	if err := job.Execute(context.Background(), jc); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls.Load())
	}
}

func TestHTTPJob_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	jc, _ := newJobContext(t, map[string]string{
		"Url":     server.URL,
		"Timeout": "100ms", // сервер не успеет ответить
	}, nil)

	err := configured(t, nil).Execute(context.Background(), jc)
	if err == nil {
		t.Fatal("expected error for timeout")
	}
	if !strings.Contains(err.Error(), ErrHTTPRequest.Error()) {
		t.Errorf("expected request error, got %v", err)
	}
}

func TestHTTPJob_MissingURL(t *testing.T) {
	jc, _ := newJobContext(t, map[string]string{"Method": "GET"}, nil)

	err := configured(t, nil).Execute(context.Background(), jc)
	if !errors.Is(err, ErrMissingParameter) {
		t.Errorf("expected ErrMissingParameter, got %v", err)
	}
}

func TestHTTPJob_ConfigureInvalid(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
	}{
		{"retries not a number", map[string]string{SettingHTTPRetries: "many"}},
		{"negative retries", map[string]string{SettingHTTPRetries: "-1"}},
		{"bad timeout", map[string]string{SettingHTTPTimeout: "soon"}},
		{"bad status list", map[string]string{SettingHTTPRetryOnStatus: "500,abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&HTTPJob{}).Configure(context.Background(), datamap.FromStrings(tt.settings))
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestHTTPJob_ConfigureRetryOnStatus(t *testing.T) {
	job := configured(t, map[string]string{
		SettingHTTPRetries:       "1",
		SettingHTTPBackoff:       "FIXED",
		SettingHTTPRetryOnStatus: "409, 503",
	})

	if job.policy.MaxAttempts != 2 || job.policy.Backoff != BackoffFixed {
		t.Errorf("unexpected policy: %+v", job.policy)
	}
	if !job.policy.ShouldRetry(409) || job.policy.ShouldRetry(500) {
		t.Errorf("expected retry only on listed statuses, got %v", job.policy.OnStatus)
	}
}

// --- RetryPolicy Tests ---

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"exponential first", RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: time.Minute}, 1, time.Second},
		{"exponential third", RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: time.Minute}, 3, 4 * time.Second},
		{"exponential capped", RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"fixed", RetryPolicy{Backoff: BackoffFixed, InitialDelay: 2 * time.Second}, 5, 2 * time.Second},
		{"defaults", RetryPolicy{}, 1, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{}
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.status); got != tt.want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// --- DelayJob Tests ---

func TestDelayJob_Success(t *testing.T) {
	jc, rec := newJobContext(t, map[string]string{"DurationSec": "0.05"}, nil)

	job := &DelayJob{}
	start := time.Now()
	if err := job.Execute(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("delay too short: %v", elapsed)
	}
	if job.delayed < 50*time.Millisecond {
		t.Errorf("expected delayed >= 50ms, got %v", job.delayed)
	}
	if jc.Progress() != 100 {
		t.Errorf("expected progress 100, got %d", jc.Progress())
	}
	if len(rec.ByChannel(broker.ChannelUpdateProgress)) < 2 {
		t.Error("expected intermediate progress updates")
	}
}

func TestDelayJob_DurationString(t *testing.T) {
	jc, _ := newJobContext(t, map[string]string{"Duration": "20ms", "DurationSec": "60"}, nil)

	start := time.Now()
	if err := (&DelayJob{}).Execute(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Duration should take precedence, took %v", elapsed)
	}
}

func TestDelayJob_ContextCancellation(t *testing.T) {
	jc, _ := newJobContext(t, map[string]string{"DurationSec": "10"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := (&DelayJob{}).Execute(ctx, jc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestDelayJob_InvalidDuration(t *testing.T) {
	jc, _ := newJobContext(t, map[string]string{"DurationSec": "soon"}, nil)

	if err := (&DelayJob{}).Execute(context.Background(), jc); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

// --- TransformJob Tests ---

func TestTransformJob(t *testing.T) {
	jc, _ := newJobContext(t, map[string]string{
		"Name":              "ada",
		"Template:Greeting": "Hello, {{ .Data.Name | upper }}",
		"Template:Endpoint": `{{ .Setting "Api:Url" }}/v1`,
		"Template:Broken":   "{{ .Data.Name",
	}, map[string]string{"Api:Url": "http://api"})

	err := (&TransformJob{}).Execute(context.Background(), jc)
	if !errors.Is(err, aggregate.ErrAggregate) {
		t.Fatalf("expected aggregate error for broken template, got %v", err)
	}
	if !strings.Contains(err.Error(), "Template:Broken") {
		t.Errorf("expected broken key in summary, got %v", err)
	}

	data := jc.JobData()
	if got := data.GetString("Greeting"); got != "Hello, ADA" {
		t.Errorf("expected Hello, ADA, got %q", got)
	}
	if got := data.GetString("Endpoint"); got != "http://api/v1" {
		t.Errorf("expected http://api/v1, got %q", got)
	}
	if got := jc.EffectedRows(); got == nil || *got != 2 {
		t.Errorf("expected 2 effected rows, got %v", got)
	}
}

func TestTransformJob_NoTemplates(t *testing.T) {
	jc, rec := newJobContext(t, map[string]string{"Name": "ada"}, nil)

	if err := (&TransformJob{}).Execute(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.ByChannel(broker.ChannelPutJobData)) != 0 {
		t.Error("nothing should be written")
	}
}

// --- Template Tests ---

func TestRender(t *testing.T) {
	tc := &TemplateContext{
		Data:     map[string]string{"Name": "world", "Tags": "a,b", "Raw": `{"n":1}`},
		Settings: map[string]string{"Db:Host": "localhost"},
		Now:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "no templates", "no templates"},
		{"data", "hello {{ .Data.Name }}", "hello world"},
		{"missing key", "[{{ .Data.Missing }}]", "[]"},
		{"default", `{{ default "none" .Data.Missing }}`, "none"},
		{"coalesce", `{{ coalesce .Data.Missing .Data.Name }}`, "world"},
		{"setting", `{{ .Setting "Db:Host" }}`, "localhost"},
		{"now", `{{ .Now.Format "2006-01-02" }}`, "2024-03-01"},
		{"split join", `{{ join "|" (split "," .Data.Tags) }}`, "a|b"},
		{"json", `{{ json .Data.Name }}`, `"world"`},
		{"fromJSON", `{{ (fromJSON .Data.Raw).n }}`, "1"},
		{"replace", `{{ replace .Data.Name "o" "0" }}`, "w0rld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Data.Name", &TemplateContext{})
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}

	_, err = Render("{{ .Unknown }}", &TemplateContext{})
	if !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
}

// --- Registry / Supervisor Tests ---

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if got := strings.Join(r.Types(), ","); got != "delay,http,transform" {
		t.Errorf("unexpected types: %s", got)
	}
}

func TestHTTPJob_ThroughSupervisor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	}))
	defer server.Close()

	payload, err := domain.EncodeExecutionContext(newExecutionContext(TypeHTTP,
		map[string]string{"Url": server.URL}, nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	rec := &brokertest.Recorder{}
	s := worker.New(worker.Options{
		Registry: NewRegistry(),
		Connectors: worker.Connectors{
			Primary: func(context.Context, string) (broker.Transport, error) { return rec, nil },
		},
		Logger: testLogger(),
	})

	result := s.Run(context.Background(), worker.Launch{Payload: payload})
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}

	mapped := map[string]string{}
	for _, env := range rec.ByChannel(broker.ChannelPutJobData) {
		p, _ := broker.Decode[broker.DataPayload](env)
		mapped[p.Key] = *p.Value
	}
	if mapped["LastStatusCode"] != "202" || mapped["LastResponse"] != "queued" || mapped["Attempts"] != "1" {
		t.Errorf("unexpected back-mapped values: %v", mapped)
	}
}
