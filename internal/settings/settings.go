// Package settings собирает JobSettings для debug-запуска.
//
// В production настройки приходят уже слитыми в ExecutionContext.
// Порядок слоёв (каждый следующий перекрывает предыдущий):
//
//  1. base — карта, переданная вызывающим
//  2. все JobSettings.yml под root
//  3. все JobSettings.{env}.yml под root
//  4. overrides
//
// Файлы одного слоя перебираются в обратном лексикографическом порядке путей.
// Вложенные ключи YAML склеиваются через ":" (db: {host: x} → "db:host").
// Результат отсортирован по ключу.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cast"
	yaml "go.yaml.in/yaml/v3"

	"github.com/shaiso/jobrun/internal/datamap"
)

// FileName — имя базового файла настроек.
const FileName = "JobSettings.yml"

// KeySeparator — разделитель вложенных ключей.
const KeySeparator = ":"

// ErrSettingsFile — файл настроек не удалось прочитать или разобрать.
var ErrSettingsFile = errors.New("invalid settings file")

// EnvFileName возвращает имя файла окружения: JobSettings.{env}.yml.
func EnvFileName(env string) string {
	return "JobSettings." + env + ".yml"
}

// Resolve собирает настройки. env == "" — слой окружения пропускается.
func Resolve(fsys afero.Fs, root, env string, base, overrides *datamap.DataMap) (*datamap.DataMap, error) {
	result := base.Clone()

	layers := []string{FileName}
	if env != "" {
		layers = append(layers, EnvFileName(env))
	}

	for _, name := range layers {
		files, err := Discover(fsys, root, name)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			layer, err := LoadFile(fsys, path)
			if err != nil {
				return nil, err
			}
			result = datamap.Merge(result, layer)
		}
	}

	result = datamap.Merge(result, overrides)
	return result.Sorted(), nil
}

// Discover находит файлы с именем name под root.
// Сравнение имени без учёта регистра. Порядок — обратный лексикографический.
func Discover(fsys afero.Fs, root, name string) ([]string, error) {
	var found []string

	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.EqualFold(info.Name(), name) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s under %s: %w", name, root, err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(found)))
	return found, nil
}

// LoadFile читает YAML файл и возвращает плоскую карту.
func LoadFile(fsys afero.Fs, path string) (*datamap.DataMap, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSettingsFile, path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSettingsFile, filepath.ToSlash(path), err)
	}
	return m, nil
}

// Parse разбирает YAML документ в плоскую карту.
func Parse(data []byte) (*datamap.DataMap, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	out := make(map[string]*string)
	if doc == nil {
		return datamap.New(), nil
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("top level must be a mapping, got %T", doc)
	}
	if err := flatten("", doc, out); err != nil {
		return nil, err
	}
	return datamap.FromValues(out), nil
}

// flatten раскладывает вложенные mapping и sequence в ключи через ":".
func flatten(prefix string, v any, out map[string]*string) error {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if err := flatten(join(prefix, k), child, out); err != nil {
				return err
			}
		}
	case map[any]any:
		for k, child := range x {
			if err := flatten(join(prefix, fmt.Sprint(k)), child, out); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range x {
			if err := flatten(join(prefix, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
	case nil:
		out[prefix] = nil
	default:
		s, err := cast.ToStringE(x)
		if err != nil {
			return fmt.Errorf("key %s: %w", prefix, err)
		}
		out[prefix] = datamap.Value(s)
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + KeySeparator + key
}
