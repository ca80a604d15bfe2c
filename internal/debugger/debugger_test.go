package debugger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/shaiso/jobrun/internal/domain"
)

const profilesYAML = `
profiles:
  - name: import-small
    description: ten orders
    job_type: http
    job: {name: ImportOrders, group: Sales}
    timeout: 30s
    now: 2026-01-02T03:04:05Z
    job_data: {url: "http://localhost/orders", limit: "10"}
    trigger_data: {limit: "5"}
    settings: {retries: "1", region: eu}
    overrides: {retries: "3"}
  - name: sleep
    job_type: delay
`

func TestLoadProfiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/w/"+FileName, []byte(profilesYAML), 0o644)

	profiles, err := LoadProfiles(fs, "/w/"+FileName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 2 || profiles[0].Job.Group != "Sales" {
		t.Errorf("unexpected profiles: %+v", profiles)
	}
}

func TestLoadProfiles_Invalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/empty.yml", []byte("profiles: []\n"), 0o644)
	afero.WriteFile(fs, "/notype.yml", []byte("profiles:\n  - name: x\n"), 0o644)

	if _, err := LoadProfiles(fs, "/empty.yml"); !errors.Is(err, ErrNoProfiles) {
		t.Errorf("expected ErrNoProfiles, got %v", err)
	}
	if _, err := LoadProfiles(fs, "/notype.yml"); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
	if _, err := LoadProfiles(fs, "/missing.yml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProfile_Build(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/w/"+FileName, []byte(profilesYAML), 0o644)
	afero.WriteFile(fs, "/w/JobSettings.yml", []byte("region: us\nbatch: 100\n"), 0o644)
	afero.WriteFile(fs, "/w/JobSettings.Dev.yml", []byte("batch: 5\n"), 0o644)

	profiles, _ := LoadProfiles(fs, "/w/"+FileName)
	ec, err := profiles[0].Build(fs, BuildOptions{Root: "/w", Environment: "Dev"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(ec.FireInstanceID, "debug-") {
		t.Errorf("unexpected fire instance id %s", ec.FireInstanceID)
	}
	if ec.JobDetails.Key.Name != "ImportOrders" || ec.JobDetails.JobType != "http" {
		t.Errorf("unexpected job details: %+v", ec.JobDetails)
	}
	if ec.TriggerDetails.Timeout == nil || ec.TriggerDetails.Timeout.Std() != 30*time.Second {
		t.Errorf("unexpected timeout: %v", ec.TriggerDetails.Timeout)
	}
	if !ec.Now().Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected now override: %v", ec.Now())
	}
	if ec.MergedDataMap.GetString("limit") != "5" {
		t.Error("trigger data should win in merged map")
	}

	want := map[string]string{"retries": "3", "region": "us", "batch": "5"}
	for k, v := range want {
		if got := ec.JobSettings.GetString(k); got != v {
			t.Errorf("setting %s: expected %q, got %q", k, v, got)
		}
	}

	// Контекст проходит через кодирование launch payload
	payload, err := domain.EncodeExecutionContext(ec)
	if err != nil {
		t.Fatal(err)
	}
	decoded, _, err := domain.DecodeExecutionContext(payload)
	if err != nil || decoded.FireInstanceID != ec.FireInstanceID {
		t.Errorf("round trip failed: %v", err)
	}
}

func TestProfile_BuildInvalidData(t *testing.T) {
	p := Profile{Name: "bad", JobType: "http", JobData: map[string]string{"__internal": "x"}}
	if _, err := p.Build(afero.NewMemMapFs(), BuildOptions{Root: "/"}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}

	p = Profile{Name: "bad", JobType: "http", Timeout: "later"}
	if _, err := p.Build(afero.NewMemMapFs(), BuildOptions{Root: "/"}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for timeout, got %v", err)
	}
}

func TestPick(t *testing.T) {
	profiles := []Profile{{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"}}

	tests := []struct {
		input string
		want  string
	}{
		{"2\n", "beta"},
		{"GAMMA\n", "gamma"},
		{"9\nnope\n1\n", "alpha"},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		p, err := Pick(profiles, strings.NewReader(tt.input), &out)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.input, err)
		}
		if p.Name != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.input, tt.want, p.Name)
		}
	}
}

func TestPick_SingleAndEOF(t *testing.T) {
	var out bytes.Buffer
	p, err := Pick([]Profile{{Name: "only"}}, strings.NewReader(""), &out)
	if err != nil || p.Name != "only" {
		t.Errorf("single profile should be chosen automatically: %v", err)
	}

	_, err = Pick([]Profile{{Name: "a"}, {Name: "b"}}, strings.NewReader("x\n"), &out)
	if !errors.Is(err, ErrNoSelection) {
		t.Errorf("expected ErrNoSelection, got %v", err)
	}
}
