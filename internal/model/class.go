package model

import (
	"fmt"
	"strings"
)

// DataType enumerates the declared types a property can have.
type DataType string

const (
	TypeString   DataType = "string"
	TypeBoolean  DataType = "boolean"
	TypeInteger  DataType = "integer"
	TypeFloat    DataType = "float"
	TypeObject   DataType = "object"
	TypeRelation DataType = "relation"
	TypeUnique   DataType = "unique"
	TypeFunction DataType = "function"
)

// ValidDataType reports whether t is a known data type.
func ValidDataType(t DataType) bool {
	switch t {
	case TypeString, TypeBoolean, TypeInteger, TypeFloat,
		TypeObject, TypeRelation, TypeUnique, TypeFunction:
		return true
	}
	return false
}

// OrphanPolicy controls what happens to a referenced record when the last
// reference to it is removed.
type OrphanPolicy string

const (
	OrphanKeep    OrphanPolicy = "keep"
	OrphanDelete  OrphanPolicy = "delete"
	OrphanNullify OrphanPolicy = "nullify"
)

// PropDef is a property definition, decoded from a `@prop` record or from an
// entry of a class's `props` sequence.
type PropDef struct {
	ID                string         `json:"id,omitempty"`
	ClassID           string         `json:"class_id,omitempty"`
	Key               string         `json:"key"`
	DataType          DataType       `json:"data_type"`
	IsArray           bool           `json:"is_array,omitempty"`
	ObjectClassIDs    []string       `json:"object_class_id,omitempty"`
	ObjectClassStrict bool           `json:"object_class_strict,omitempty"`
	OnOrphan          OrphanPolicy   `json:"on_orphan,omitempty"`
	Options           map[string]any `json:"options,omitempty"`
	Editor            string         `json:"editor,omitempty"`
	Validators        []any          `json:"validators,omitempty"`
	Required          bool           `json:"required,omitempty"`
	Readonly          bool           `json:"readonly,omitempty"`
	CreateOnly        bool           `json:"create_only,omitempty"`
	ServerOnly        bool           `json:"server_only,omitempty"`
	DefaultValue      any            `json:"default_value,omitempty"`
	DisplayOrder      int            `json:"display_order,omitempty"`
	GroupName         string         `json:"group_name,omitempty"`
	Hidden            bool           `json:"hidden,omitempty"`
}

// ClassDef is a class definition decoded from a `@class` record.
type ClassDef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ExtendsID   string    `json:"extends_id,omitempty"`
	Props       []PropDef `json:"props,omitempty"`
	TableName   string    `json:"table_name,omitempty"`
	IsSystem    bool      `json:"is_system,omitempty"`
	IsAbstract  bool      `json:"is_abstract,omitempty"`
}

// PropID returns the independent-record id for a prop of a class:
// "<class_id>.<key>".
func PropID(classID, key string) string {
	return classID + "." + key
}

// ClassDefFromRecord decodes a `@class` record. The `props` field is accepted
// either as a sequence of prop mappings or as a mapping from key to prop
// definition (legacy clients send both shapes).
func ClassDefFromRecord(rec Record) (*ClassDef, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil class record")
	}
	def := &ClassDef{
		ID:          rec.ID(),
		Name:        stringField(rec, "name"),
		Description: stringField(rec, "description"),
		ExtendsID:   stringField(rec, "extends_id"),
		TableName:   stringField(rec, "table_name"),
		IsSystem:    boolField(rec, "is_system"),
		IsAbstract:  boolField(rec, "is_abstract"),
	}
	props, err := PropsFromValue(def.ID, rec["props"])
	if err != nil {
		return nil, err
	}
	def.Props = props
	return def, nil
}

// PropsFromValue decodes the `props` field of a class record, accepting both
// the sequence and the mapping form.
func PropsFromValue(classID string, v any) ([]PropDef, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		props := make([]PropDef, 0, len(t))
		for i, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				if r, rok := e.(Record); rok {
					m = map[string]any(r)
				} else {
					return nil, fmt.Errorf("props[%d]: expected mapping, got %T", i, e)
				}
			}
			p, err := PropDefFromMap(classID, m)
			if err != nil {
				return nil, fmt.Errorf("props[%d]: %w", i, err)
			}
			props = append(props, p)
		}
		return props, nil
	case map[string]any:
		props := make([]PropDef, 0, len(t))
		for key, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("props[%s]: expected mapping, got %T", key, e)
			}
			if _, has := m["key"]; !has {
				m = cloneMap(m)
				m["key"] = key
			}
			p, err := PropDefFromMap(classID, m)
			if err != nil {
				return nil, fmt.Errorf("props[%s]: %w", key, err)
			}
			props = append(props, p)
		}
		// Mapping order is unspecified; make it deterministic.
		sortProps(props)
		return props, nil
	default:
		return nil, fmt.Errorf("props: expected sequence or mapping, got %T", v)
	}
}

// PropDefFromMap decodes one property definition.
func PropDefFromMap(classID string, m map[string]any) (PropDef, error) {
	p := PropDef{
		ID:                stringField(m, "id"),
		ClassID:           stringField(m, "class_id"),
		Key:               stringField(m, "key"),
		DataType:          DataType(stringField(m, "data_type")),
		IsArray:           boolField(m, "is_array"),
		ObjectClassStrict: boolField(m, "object_class_strict"),
		OnOrphan:          OrphanPolicy(stringField(m, "on_orphan")),
		Editor:            stringField(m, "editor"),
		Required:          boolField(m, "required"),
		Readonly:          boolField(m, "readonly"),
		CreateOnly:        boolField(m, "create_only"),
		ServerOnly:        boolField(m, "server_only"),
		DefaultValue:      m["default_value"],
		DisplayOrder:      intField(m, "display_order"),
		GroupName:         stringField(m, "group_name"),
		Hidden:            boolField(m, "hidden"),
	}
	if p.Key == "" {
		return p, fmt.Errorf("prop missing key")
	}
	if p.DataType == "" {
		p.DataType = TypeString
	}
	if !ValidDataType(p.DataType) {
		return p, fmt.Errorf("prop %q: unknown data_type %q", p.Key, p.DataType)
	}
	if p.OnOrphan == "" {
		p.OnOrphan = OrphanKeep
	}
	if opts, ok := m["options"].(map[string]any); ok {
		p.Options = opts
	}
	switch v := m["object_class_id"].(type) {
	case string:
		if v != "" {
			p.ObjectClassIDs = []string{v}
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				p.ObjectClassIDs = append(p.ObjectClassIDs, s)
			}
		}
	case []string:
		p.ObjectClassIDs = append(p.ObjectClassIDs, v...)
	}
	if vs, ok := m["validators"].([]any); ok {
		p.Validators = vs
	}
	if p.ID == "" && classID != "" {
		p.ID = PropID(classID, p.Key)
	}
	return p, nil
}

// ToMap renders the prop definition back into record form.
func (p PropDef) ToMap() map[string]any {
	m := map[string]any{
		"key":       p.Key,
		"data_type": string(p.DataType),
	}
	if p.ID != "" {
		m["id"] = p.ID
	}
	if p.ClassID != "" {
		m["class_id"] = p.ClassID
	}
	if p.IsArray {
		m["is_array"] = true
	}
	if len(p.ObjectClassIDs) > 0 {
		ids := make([]any, len(p.ObjectClassIDs))
		for i, s := range p.ObjectClassIDs {
			ids[i] = s
		}
		m["object_class_id"] = ids
	}
	if p.ObjectClassStrict {
		m["object_class_strict"] = true
	}
	if p.OnOrphan != "" && p.OnOrphan != OrphanKeep {
		m["on_orphan"] = string(p.OnOrphan)
	}
	if len(p.Options) > 0 {
		m["options"] = p.Options
	}
	if p.Editor != "" {
		m["editor"] = p.Editor
	}
	if len(p.Validators) > 0 {
		m["validators"] = p.Validators
	}
	if p.Required {
		m["required"] = true
	}
	if p.Readonly {
		m["readonly"] = true
	}
	if p.CreateOnly {
		m["create_only"] = true
	}
	if p.ServerOnly {
		m["server_only"] = true
	}
	if p.DefaultValue != nil {
		m["default_value"] = p.DefaultValue
	}
	if p.DisplayOrder != 0 {
		m["display_order"] = p.DisplayOrder
	}
	if p.GroupName != "" {
		m["group_name"] = p.GroupName
	}
	if p.Hidden {
		m["hidden"] = true
	}
	return m
}

// ToRecord renders the class definition as a `@class` record.
func (c *ClassDef) ToRecord() Record {
	rec := Record{
		FieldID:      c.ID,
		FieldClassID: ClassClass,
		"name":       c.Name,
	}
	if c.Description != "" {
		rec["description"] = c.Description
	}
	if c.ExtendsID != "" {
		rec["extends_id"] = c.ExtendsID
	}
	if c.TableName != "" {
		rec["table_name"] = c.TableName
	}
	if c.IsSystem {
		rec["is_system"] = true
	}
	if c.IsAbstract {
		rec["is_abstract"] = true
	}
	props := make([]any, len(c.Props))
	for i, p := range c.Props {
		if p.ID == "" {
			p.ID = PropID(c.ID, p.Key)
		}
		if p.ClassID == "" {
			p.ClassID = PropClass
		}
		props[i] = p.ToMap()
	}
	rec["props"] = props
	return rec
}

func sortProps(props []PropDef) {
	// Insertion-order is lost for mapping-form props; fall back to
	// display_order then key.
	for i := 1; i < len(props); i++ {
		for j := i; j > 0; j-- {
			a, b := props[j-1], props[j]
			if a.DisplayOrder < b.DisplayOrder ||
				(a.DisplayOrder == b.DisplayOrder && a.Key <= b.Key) {
				break
			}
			props[j-1], props[j] = b, a
		}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}
