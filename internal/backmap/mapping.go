// Package backmap записывает значения полей job обратно в job/trigger data
// после выполнения.
//
// Job объявляет поля явно, без reflection:
//
//	func (j *ImportJob) BackMap(m *backmap.Mapping) {
//	    m.JobData("LastImportedID", func() any { return j.LastID }).
//	        TriggerData("Cursor", func() any { return j.Cursor }).
//	        Auto("Counter", func() any { return j.Counter })
//	}
//
// Auto-поле пишется в ту карту, где уже есть такой ключ (сначала trigger, потом job);
// если ключа нет ни там, ни там — поле пропускается.
package backmap

// Target — куда записывается поле.
type Target int

const (
	// TargetAuto — в карту, которая уже содержит ключ.
	TargetAuto Target = iota

	// TargetJobData — в job data.
	TargetJobData

	// TargetTriggerData — в trigger data.
	TargetTriggerData

	// TargetIgnore — не записывать.
	TargetIgnore
)

// String возвращает имя цели.
func (t Target) String() string {
	switch t {
	case TargetJobData:
		return "job"
	case TargetTriggerData:
		return "trigger"
	case TargetIgnore:
		return "ignore"
	default:
		return "auto"
	}
}

// Getter возвращает текущее значение поля.
type Getter func() any

// Field — объявленное поле.
type Field struct {
	Name   string
	Target Target
	Get    Getter
}

// Mapping — набор объявленных полей. Порядок объявления сохраняется.
type Mapping struct {
	fields []Field
}

// NewMapping создаёт пустой Mapping.
func NewMapping() *Mapping {
	return &Mapping{}
}

// Mapper — job, который объявляет поля для back-mapping.
type Mapper interface {
	BackMap(m *Mapping)
}

// JobData объявляет поле, которое пишется в job data.
func (m *Mapping) JobData(name string, get Getter) *Mapping {
	return m.add(name, TargetJobData, get)
}

// TriggerData объявляет поле, которое пишется в trigger data.
func (m *Mapping) TriggerData(name string, get Getter) *Mapping {
	return m.add(name, TargetTriggerData, get)
}

// Auto объявляет поле без явной цели.
func (m *Mapping) Auto(name string, get Getter) *Mapping {
	return m.add(name, TargetAuto, get)
}

// Ignore исключает поле из back-mapping.
func (m *Mapping) Ignore(name string) *Mapping {
	return m.add(name, TargetIgnore, nil)
}

// Fields возвращает копию объявленных полей.
func (m *Mapping) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

func (m *Mapping) add(name string, target Target, get Getter) *Mapping {
	m.fields = append(m.fields, Field{Name: name, Target: target, Get: get})
	return m
}
