package model

// Reserved system class ids.
const (
	ClassClass    = "@class"
	PropClass     = "@prop"
	EditorClass   = "@editor"
	FunctionClass = "@function"
	ActionClass   = "@action"
	EventClass    = "@event"
	ProviderClass = "@provider"
	CrudProvider  = "crud_provider"
	StorageClass  = "@storage"
)

// SystemClasses returns the compiled-in definitions seeded at bootstrap.
// `@class` is itself an instance of `@class`; the registry resolves these
// definitions directly until the bootstrap records exist.
func SystemClasses() []*ClassDef {
	str := func(key string, order int) PropDef {
		return PropDef{Key: key, DataType: TypeString, DisplayOrder: order}
	}
	return []*ClassDef{
		{
			ID: ClassClass, Name: "Class", IsSystem: true,
			Description: "Class definitions. Every record's class_id names a record of this class.",
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				str("description", 2),
				{Key: "extends_id", DataType: TypeString, CreateOnly: true, DisplayOrder: 3},
				{Key: "props", DataType: TypeObject, IsArray: true, ObjectClassIDs: []string{PropClass}, DisplayOrder: 4},
				str("table_name", 5),
				{Key: "is_system", DataType: TypeBoolean, Readonly: true, DisplayOrder: 6},
				{Key: "is_abstract", DataType: TypeBoolean, DisplayOrder: 7},
			},
		},
		{
			ID: PropClass, Name: "Property", IsSystem: true,
			Description: "Property definitions, embedded in a class or stored as <class_id>.<key>.",
			Props: []PropDef{
				{Key: "key", DataType: TypeString, Required: true, DisplayOrder: 1},
				{Key: "data_type", DataType: TypeString, Required: true, DisplayOrder: 2,
					Validators: []any{map[string]any{
						"type": "enum",
						"values": []any{"string", "boolean", "integer", "float",
							"object", "relation", "unique", "function"},
					}}},
				{Key: "is_array", DataType: TypeBoolean, DisplayOrder: 3},
				{Key: "object_class_id", DataType: TypeString, IsArray: true, DisplayOrder: 4},
				{Key: "object_class_strict", DataType: TypeBoolean, DisplayOrder: 5},
				{Key: "on_orphan", DataType: TypeString, DisplayOrder: 6,
					Validators: []any{map[string]any{
						"type":   "enum",
						"values": []any{"keep", "delete", "nullify"},
					}}},
				{Key: "options", DataType: TypeObject, DisplayOrder: 7},
				{Key: "editor", DataType: TypeRelation, ObjectClassIDs: []string{EditorClass}, DisplayOrder: 8},
				{Key: "validators", DataType: TypeObject, IsArray: true, DisplayOrder: 9},
				{Key: "required", DataType: TypeBoolean, DisplayOrder: 10},
				{Key: "readonly", DataType: TypeBoolean, DisplayOrder: 11},
				{Key: "create_only", DataType: TypeBoolean, DisplayOrder: 12},
				{Key: "server_only", DataType: TypeBoolean, DisplayOrder: 13},
				{Key: "default_value", DataType: TypeString, DisplayOrder: 14},
				{Key: "display_order", DataType: TypeInteger, DisplayOrder: 15},
				{Key: "group_name", DataType: TypeString, DisplayOrder: 16},
				{Key: "hidden", DataType: TypeBoolean, DisplayOrder: 17},
			},
		},
		{
			ID: EditorClass, Name: "Editor", IsSystem: true,
			Description: "UI editor catalog referenced by property definitions.",
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				str("component", 2),
				{Key: "options", DataType: TypeObject, DisplayOrder: 3},
			},
		},
		{
			ID: FunctionClass, Name: "Function", IsSystem: true,
			Description: "Stored function catalog. Code is opaque to the engine.",
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				{Key: "code", DataType: TypeFunction, DisplayOrder: 2},
				{Key: "params", DataType: TypeObject, DisplayOrder: 3},
			},
		},
		{
			ID: ActionClass, Name: "Action", IsSystem: true,
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				{Key: "function", DataType: TypeRelation, ObjectClassIDs: []string{FunctionClass}, DisplayOrder: 2},
				{Key: "options", DataType: TypeObject, DisplayOrder: 3},
			},
		},
		{
			ID: EventClass, Name: "Event", IsSystem: true,
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				str("target_class_id", 2),
				{Key: "action", DataType: TypeRelation, ObjectClassIDs: []string{ActionClass}, DisplayOrder: 3},
			},
		},
		{
			ID: ProviderClass, Name: "Provider", IsSystem: true,
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				{Key: "options", DataType: TypeObject, DisplayOrder: 2},
			},
		},
		{
			ID: CrudProvider, Name: "CRUD Provider", IsSystem: true,
			ExtendsID: ProviderClass,
			// Parent props are repeated here: the merge walk stops at the
			// first system parent, so crud_provider carries its own copies.
			Props: []PropDef{
				{Key: "name", DataType: TypeString, Required: true, DisplayOrder: 1},
				{Key: "options", DataType: TypeObject, DisplayOrder: 2},
				str("endpoint", 3),
			},
		},
		{
			ID: StorageClass, Name: "Storage", IsSystem: true,
			Description: "Backend configuration records.",
			Props: []PropDef{
				{Key: "type", DataType: TypeString, Required: true, DisplayOrder: 1,
					Validators: []any{map[string]any{
						"type":   "enum",
						"values": []any{"file", "mongo", "couch"},
					}}},
				{Key: "options", DataType: TypeObject, DisplayOrder: 2},
			},
		},
	}
}

// SystemClassByID returns the compiled-in definition for a system class id,
// or nil when the id is not a seeded class.
func SystemClassByID(id string) *ClassDef {
	for _, def := range SystemClasses() {
		if def.ID == id {
			return def
		}
	}
	return nil
}
