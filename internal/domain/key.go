package domain

// DefaultGroup — группа по умолчанию для job и trigger.
const DefaultGroup = "DEFAULT"

// Key — идентификатор job или trigger.
// Имя уникально внутри группы.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewKey создаёт Key. Пустая группа заменяется на DefaultGroup.
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// String возвращает "group.name".
func (k Key) String() string {
	group := k.Group
	if group == "" {
		group = DefaultGroup
	}
	return group + "." + k.Name
}
