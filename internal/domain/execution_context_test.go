package domain

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/jobrun/internal/datamap"
)

const sampleContext = `{
	"fire_instance_id": "run-42",
	"job_details": {
		"key": {"name": "ImportOrders", "group": "Sales"},
		"job_type": "delay",
		"data_map": {"Counter": "1", "Shared": "job", "__hidden": "x"}
	},
	"trigger_details": {
		"key": {"name": "Every5Min", "group": "Sales"},
		"timeout": "00:05:00",
		"data_map": {"Shared": "trigger", "Extra": null}
	},
	"job_settings": {"x": "1"}
}`

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecodeExecutionContext(t *testing.T) {
	ec, stripped, err := DecodeExecutionContext(encode(sampleContext))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ec.FireInstanceID != "run-42" {
		t.Errorf("expected run-42, got %s", ec.FireInstanceID)
	}
	if got := ec.JobDetails.Key.String(); got != "Sales.ImportOrders" {
		t.Errorf("expected Sales.ImportOrders, got %s", got)
	}
	if !ec.TriggerDetails.HasTimeout() || ec.TriggerDetails.Timeout.Std() != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %v", ec.TriggerDetails.Timeout)
	}
	if got := ec.JobSettings.GetString("x"); got != "1" {
		t.Errorf("expected setting x=1, got %q", got)
	}

	// Зарезервированный ключ удалён, run не падает
	if len(stripped) != 1 || stripped[0] != "job:__hidden" {
		t.Errorf("expected job:__hidden stripped, got %v", stripped)
	}
	if ec.JobDetails.DataMap.Contains("__hidden") {
		t.Error("reserved key should be stripped")
	}

	// Trigger побеждает в merged data
	if got := ec.MergedDataMap.GetString("Shared"); got != "trigger" {
		t.Errorf("expected Shared=trigger, got %q", got)
	}
	if !ec.MergedDataMap.Contains("Extra") {
		t.Error("null value should be kept in merged map")
	}
}

func TestDecodeExecutionContext_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not base64", "%%%"},
		{"not json", encode("not json")},
		{"missing id", encode(`{"job_details": {}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeExecutionContext(tt.payload)
			if !errors.Is(err, ErrContextDecode) {
				t.Errorf("expected ErrContextDecode, got %v", err)
			}
		})
	}
}

func TestDecodeExecutionContext_NilMaps(t *testing.T) {
	ec, _, err := DecodeExecutionContext(encode(`{"fire_instance_id": "r"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ec.JobDetails.DataMap == nil || ec.TriggerDetails.DataMap == nil || ec.JobSettings == nil {
		t.Fatal("data maps should be initialized")
	}
	if ec.TriggerDetails.HasTimeout() {
		t.Error("no timeout expected")
	}
}

func TestEncodeExecutionContext_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ec := &ExecutionContext{
		FireInstanceID: "run-1",
		JobDetails: JobDetails{
			Key:     NewKey("Job", ""),
			DataMap: datamap.FromStrings(map[string]string{"a": "1"}),
		},
		NowOverride: &now,
	}

	payload, err := EncodeExecutionContext(ec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, _, err := DecodeExecutionContext(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Now().Equal(now) {
		t.Errorf("expected now override %v, got %v", now, decoded.Now())
	}
	if decoded.JobDetails.Key.Group != DefaultGroup {
		t.Errorf("expected default group, got %s", decoded.JobDetails.Key.Group)
	}
	if got := decoded.MergedDataMap.GetString("a"); got != "1" {
		t.Errorf("expected a=1, got %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"90s", 90 * time.Second},
		{"00:05:00", 5 * time.Minute},
		{"01:30:15", time.Hour + 30*time.Minute + 15*time.Second},
		{"1.02:00:00", 26 * time.Hour},
		{"00:00:01.5", 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %v, got %v", tt.in, tt.want, got)
		}
	}

	for _, bad := range []string{"abc", "1:2", "aa:00:00"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		} else if !strings.Contains(err.Error(), "invalid duration") {
			t.Errorf("%q: unexpected error text: %v", bad, err)
		}
	}
}

func TestProgressRatio(t *testing.T) {
	if got := ProgressRatio(5, 10); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
	if got := ProgressRatio(20, 10); got != 100 {
		t.Errorf("expected clamp to 100, got %d", got)
	}
	if got := ProgressRatio(1, 0); got != 0 {
		t.Errorf("expected 0 for zero total, got %d", got)
	}
	if got := ProgressRatio(1<<62, 1<<62); got != 100 {
		t.Errorf("expected 100 for large equal values, got %d", got)
	}
	if got := ProgressRatio(1<<61, 1<<62); got != 50 {
		t.Errorf("expected 50 for large values, got %d", got)
	}
	if got := ProgressRatio(29, 100); got != 29 {
		t.Errorf("expected exact integer ratio 29, got %d", got)
	}
	if got := ProgressRatio(-3, 10); got != 0 {
		t.Errorf("expected 0 for negative current, got %d", got)
	}
	if got := ClampProgress(-5); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
