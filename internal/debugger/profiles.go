// Package debugger — интерактивный выбор профиля для debug-запуска worker'а.
//
// Профили описываются в JobProfiles.yml в каталоге worker'а:
//
//	profiles:
//	  - name: import-small
//	    job_type: http
//	    job: {name: ImportOrders, group: Sales}
//	    trigger: {name: manual}
//	    timeout: 30s
//	    job_data: {url: "http://localhost:8080/orders"}
//	    settings: {retries: "2"}
//
// Выбранный профиль превращается в ExecutionContext; JobSettings собираются
// через internal/settings (settings профиля — базовый слой, overrides — последний).
package debugger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"

	"github.com/shaiso/jobrun/internal/datamap"
	"github.com/shaiso/jobrun/internal/domain"
	"github.com/shaiso/jobrun/internal/settings"
)

// FileName — имя файла профилей.
const FileName = "JobProfiles.yml"

var (
	// ErrNoProfiles — файл профилей пуст или отсутствует.
	ErrNoProfiles = errors.New("no debug profiles")

	// ErrInvalidProfile — профиль не удалось превратить в контекст.
	ErrInvalidProfile = errors.New("invalid debug profile")

	// ErrNoSelection — ввод закончился до выбора профиля.
	ErrNoSelection = errors.New("no profile selected")
)

// KeyRef — имя и группа job или trigger.
type KeyRef struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
}

// Profile — описание debug-запуска.
type Profile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	JobType     string            `yaml:"job_type"`
	Job         KeyRef            `yaml:"job"`
	Trigger     KeyRef            `yaml:"trigger"`
	Timeout     string            `yaml:"timeout"`
	Environment string            `yaml:"environment"`
	Now         *time.Time        `yaml:"now"`
	JobData     map[string]string `yaml:"job_data"`
	TriggerData map[string]string `yaml:"trigger_data"`
	Settings    map[string]string `yaml:"settings"`
	Overrides   map[string]string `yaml:"overrides"`
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles читает профили из файла.
func LoadProfiles(fs afero.Fs, path string) ([]Profile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoProfiles, path)
	}

	for i, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: profile #%d has no name", ErrInvalidProfile, i+1)
		}
		if p.JobType == "" {
			return nil, fmt.Errorf("%w: profile %s has no job_type", ErrInvalidProfile, p.Name)
		}
	}
	return file.Profiles, nil
}

// BuildOptions — параметры сборки контекста.
type BuildOptions struct {
	// Root — каталог поиска JobSettings*.yml.
	Root string

	// Environment — окружение запуска; профиль может его переопределить.
	Environment string
}

// Build превращает профиль в ExecutionContext.
func (p Profile) Build(fs afero.Fs, opts BuildOptions) (*domain.ExecutionContext, error) {
	env := opts.Environment
	if p.Environment != "" {
		env = p.Environment
	}

	jobData, err := buildMap(p.JobData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s job_data: %v", ErrInvalidProfile, p.Name, err)
	}
	triggerData, err := buildMap(p.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s trigger_data: %v", ErrInvalidProfile, p.Name, err)
	}

	resolved, err := settings.Resolve(fs, opts.Root, env,
		datamap.FromStrings(p.Settings),
		datamap.FromStrings(p.Overrides),
	)
	if err != nil {
		return nil, err
	}

	ec := &domain.ExecutionContext{
		FireInstanceID: "debug-" + uuid.NewString(),
		JobDetails: domain.JobDetails{
			Key:         domain.NewKey(orDefault(p.Job.Name, p.Name), p.Job.Group),
			JobType:     p.JobType,
			Description: p.Description,
			DataMap:     jobData,
		},
		TriggerDetails: domain.TriggerDetails{
			Key:     domain.NewKey(orDefault(p.Trigger.Name, "debug"), p.Trigger.Group),
			DataMap: triggerData,
		},
		JobSettings: resolved,
		NowOverride: p.Now,
		Environment: env,
		FireTime:    time.Now().UTC(),
	}

	if p.Timeout != "" {
		d, err := domain.ParseDuration(p.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %s timeout: %v", ErrInvalidProfile, p.Name, err)
		}
		timeout := domain.Duration(d)
		ec.TriggerDetails.Timeout = &timeout
	}

	ec.RebuildMerged()
	return ec, nil
}

// buildMap проверяет записи через datamap.Put. Ключи по алфавиту.
func buildMap(src map[string]string) (*datamap.DataMap, error) {
	m := datamap.New()
	for _, k := range datamap.FromStrings(src).Keys() {
		if err := datamap.Put(m, k, datamap.Value(src[k])); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
