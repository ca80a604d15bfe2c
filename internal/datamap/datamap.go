package datamap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DataMap — упорядоченная карта key → string или null.
//
// Порядок ключей — порядок первой вставки. DataMap не потокобезопасен:
// конкурентный доступ защищает владелец (worker.JobContext).
type DataMap struct {
	keys   []string
	values map[string]*string
}

// New создаёт пустую карту.
func New() *DataMap {
	return &DataMap{values: make(map[string]*string)}
}

// FromStrings создаёт карту из обычной map. Ключи упорядочиваются по алфавиту.
// Валидация не выполняется — для входных данных используйте Sanitize.
func FromStrings(src map[string]string) *DataMap {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := New()
	for _, k := range keys {
		m.set(k, Value(src[k]))
	}
	return m
}

// FromValues — как FromStrings, но значения могут быть null.
func FromValues(src map[string]*string) *DataMap {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := New()
	for _, k := range keys {
		var v *string
		if src[k] != nil {
			v = Value(*src[k])
		}
		m.set(k, v)
	}
	return m
}

// Sorted возвращает копию карты с ключами по алфавиту.
func (m *DataMap) Sorted() *DataMap {
	out := m.Clone()
	sort.Strings(out.keys)
	return out
}

// Value возвращает указатель на копию строки. Удобно для Put.
func Value(s string) *string {
	return &s
}

// Get возвращает значение по ключу. Второй результат — есть ли ключ в карте.
func (m *DataMap) Get(key string) (*string, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// GetString возвращает значение или "" для null и отсутствующих ключей.
func (m *DataMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok || v == nil {
		return ""
	}
	return *v
}

// Contains проверяет наличие ключа.
func (m *DataMap) Contains(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len возвращает количество записей.
func (m *DataMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys возвращает копию списка ключей в порядке вставки.
func (m *DataMap) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Clone возвращает глубокую копию карты.
func (m *DataMap) Clone() *DataMap {
	out := New()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		var v *string
		if src := m.values[k]; src != nil {
			v = Value(*src)
		}
		out.set(k, v)
	}
	return out
}

// ToMap возвращает копию в виде обычной map (null → "").
func (m *DataMap) ToMap() map[string]string {
	out := make(map[string]string, m.Len())
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out[k] = m.GetString(k)
	}
	return out
}

// set записывает значение без валидации.
func (m *DataMap) set(key string, value *string) {
	if m.values == nil {
		m.values = make(map[string]*string)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// delete удаляет ключ. Возвращает false, если ключа не было.
func (m *DataMap) delete(key string) bool {
	if _, exists := m.values[key]; !exists {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// MarshalJSON кодирует карту как JSON-объект с сохранением порядка ключей.
func (m *DataMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		v := m.values[k]
		if v == nil {
			buf.WriteString("null")
			continue
		}
		vb, err := json.Marshal(*v)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON декодирует JSON-объект с сохранением порядка ключей.
//
// Значения-числа и bool сохраняются в виде исходного текста,
// вложенные объекты и массивы — в виде JSON-строки.
func (m *DataMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("data map: %w", err)
	}

	fresh := New()
	if tok == nil {
		*m = *fresh
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("data map: expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("data map: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("data map: unexpected key token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("data map: value of %q: %w", key, err)
		}

		fresh.set(key, decodeValue(raw))
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("data map: %w", err)
	}

	*m = *fresh
	return nil
}

// decodeValue превращает JSON-значение в строку или nil.
func decodeValue(raw json.RawMessage) *string {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return &s
	}

	return Value(string(trimmed))
}
