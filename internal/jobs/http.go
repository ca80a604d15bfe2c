package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/jobrun/internal/backmap"
	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/worker"
)

const defaultHTTPTimeout = 30 * time.Second

// Ключи настроек HTTP job.
const (
	SettingHTTPTimeout       = "Http:Timeout"
	SettingHTTPRetries       = "Http:Retries"
	SettingHTTPBackoff       = "Http:Backoff"
	SettingHTTPRetryDelay    = "Http:RetryDelay"
	SettingHTTPMaxRetryDelay = "Http:MaxRetryDelay"
	SettingHTTPRetryOnStatus = "Http:RetryOnStatus"
)

// HTTPJob — job типа "http".
//
// Параметры (из job/trigger data, значения — шаблоны):
//   - Url (обязательно)
//   - Method — GET, POST, PUT, DELETE. Default: GET
//   - Body — тело запроса
//   - ContentType — Default: application/json, если есть Body
//   - Header:<Name> — заголовки запроса
//   - Timeout — таймаут одной попытки, перекрывает Http:Timeout
//
// Настройки: Http:Timeout, Http:Retries, Http:Backoff, Http:RetryDelay,
// Http:MaxRetryDelay, Http:RetryOnStatus ("500,503").
//
// Каждая неудачная попытка записывается как aggregate exception.
// Run падает, только если не удалась последняя попытка.
//
// Back-mapping в job data: LastStatusCode, LastResponse, Attempts.
type HTTPJob struct {
	// Client — по умолчанию http.DefaultClient.
	Client *http.Client

	timeout time.Duration
	policy  RetryPolicy

	statusCode int
	response   string
	attempts   int
}

// Configure читает настройки таймаута и повторов.
func (j *HTTPJob) Configure(_ context.Context, settings *datamap.DataMap) error {
	p := params{settings}

	timeout, err := p.Duration(SettingHTTPTimeout, defaultHTTPTimeout)
	if err != nil {
		return err
	}
	retries, err := p.Int(SettingHTTPRetries, 0)
	if err != nil {
		return err
	}
	if retries < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidParameter, SettingHTTPRetries)
	}

	policy := DefaultRetryPolicy()
	policy.MaxAttempts = retries + 1
	policy.Backoff = strings.ToLower(p.String(SettingHTTPBackoff, policy.Backoff))
	if policy.InitialDelay, err = p.Duration(SettingHTTPRetryDelay, policy.InitialDelay); err != nil {
		return err
	}
	if policy.MaxDelay, err = p.Duration(SettingHTTPMaxRetryDelay, policy.MaxDelay); err != nil {
		return err
	}
	if policy.OnStatus, err = parseStatusList(p.String(SettingHTTPRetryOnStatus, "")); err != nil {
		return err
	}

	j.timeout = timeout
	j.policy = policy
	return nil
}

// Execute выполняет запрос с повторами.
func (j *HTTPJob) Execute(ctx context.Context, jc *worker.JobContext) error {
	if j.policy.MaxAttempts <= 0 {
		j.policy = DefaultRetryPolicy()
	}
	if j.timeout <= 0 {
		j.timeout = defaultHTTPTimeout
	}

	req, err := j.buildRequest(jc)
	if err != nil {
		return err
	}

	logger := jc.Logger()
	for attempt := 1; attempt <= j.policy.MaxAttempts; attempt++ {
		j.attempts = attempt

		status, err := j.do(ctx, req)
		if err == nil {
			logger.InfoContext(ctx, "http request succeeded",
				"method", req.method,
				"url", req.url,
				"status", status,
				"attempt", attempt,
			)
			jc.UpdateProgress(ctx, 100)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		jc.AddAggregateException(ctx, fmt.Errorf("attempt %d/%d: %w", attempt, j.policy.MaxAttempts, err))
		jc.UpdateProgressRatio(ctx, int64(attempt), int64(j.policy.MaxAttempts))

		if attempt == j.policy.MaxAttempts || !j.policy.ShouldRetry(status) {
			break
		}

		delay := j.policy.Delay(attempt)
		logger.WarnContext(ctx, "http request failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return jc.CheckAggregateException()
}

// BackMap объявляет результаты запроса.
func (j *HTTPJob) BackMap(m *backmap.Mapping) {
	m.JobData("LastStatusCode", func() any { return j.statusCode }).
		JobData("LastResponse", func() any { return truncate(j.response, datamap.MaxValueLength) }).
		JobData("Attempts", func() any { return j.attempts })
}

// httpRequest — отрендеренные параметры запроса.
type httpRequest struct {
	method      string
	url         string
	body        string
	contentType string
	headers     map[string]string
	timeout     time.Duration
}

func (j *HTTPJob) buildRequest(jc *worker.JobContext) (*httpRequest, error) {
	p := params{jc.MergedData()}
	tc := NewTemplateContext(jc)

	rawURL, err := p.Required("Url")
	if err != nil {
		return nil, err
	}

	req := &httpRequest{
		method:      strings.ToUpper(p.String("Method", http.MethodGet)),
		contentType: p.String("ContentType", ""),
		headers:     make(map[string]string),
	}

	if req.url, err = Render(rawURL, tc); err != nil {
		return nil, fmt.Errorf("render Url: %w", err)
	}
	if req.body, err = Render(p.String("Body", ""), tc); err != nil {
		return nil, fmt.Errorf("render Body: %w", err)
	}
	if req.body != "" && req.contentType == "" {
		req.contentType = "application/json"
	}

	names, values := p.Prefixed("Header:")
	for _, name := range names {
		v, err := Render(values[name], tc)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", name, err)
		}
		req.headers[name] = v
	}

	if req.timeout, err = p.Duration("Timeout", j.timeout); err != nil {
		return nil, err
	}
	return req, nil
}

// do выполняет одну попытку. status 0 — запрос не дошёл до сервера.
func (j *HTTPJob) do(ctx context.Context, r *httpRequest) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for name, v := range r.headers {
		req.Header.Set(name, v)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	client := j.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	j.statusCode = resp.StatusCode
	j.response = string(respBody)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%w: HTTP %d: %s", ErrHTTPStatus, resp.StatusCode, truncate(j.response, 200))
	}
	return resp.StatusCode, nil
}

func parseStatusList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q", ErrInvalidParameter, SettingHTTPRetryOnStatus, part)
		}
		out = append(out, code)
	}
	return out, nil
}
