package domain

// Row is a single record returned by a connector.
type Row map[string]any

// ReferenceDirection states which side of a field reference supplies values.
type ReferenceDirection string

const (
	// DirectionFrom means the referenced field feeds the declaring field.
	DirectionFrom ReferenceDirection = "from"
	// DirectionTo means the declaring field feeds the referenced field.
	DirectionTo ReferenceDirection = "to"
)

// FieldReference links a field to a field in another collection.
type FieldReference struct {
	Target    FieldAddress       `json:"target"`
	Direction ReferenceDirection `json:"direction"`
}

// Field describes one (possibly nested) attribute of a collection.
type Field struct {
	Path           FieldPath        `json:"path"`
	DataCategories []string         `json:"data_categories,omitempty"`
	Identity       string           `json:"identity,omitempty"` // identity key seeding this field, e.g. "email"
	PrimaryKey     bool             `json:"primary_key,omitempty"`
	References     []FieldReference `json:"references,omitempty"`
}

// Collection is a table, API resource or document type within a dataset.
type Collection struct {
	Name            string              `json:"name"`
	Fields          []Field             `json:"fields"`
	After           []CollectionAddress `json:"after,omitempty"`
	EraseAfter      []CollectionAddress `json:"erase_after,omitempty"`
	SkipProcessing  bool                `json:"skip_processing,omitempty"`
	MaskingStrategy string              `json:"masking_strategy,omitempty"`
}

// Field returns the field declared at path.
func (c Collection) Field(path FieldPath) (Field, bool) {
	for _, f := range c.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return Field{}, false
}

// PrimaryKeys lists the primary key field paths.
func (c Collection) PrimaryKeys() []FieldPath {
	var keys []FieldPath
	for _, f := range c.Fields {
		if f.PrimaryKey {
			keys = append(keys, f.Path)
		}
	}
	return keys
}

// Dataset groups collections served by a single connection.
type Dataset struct {
	Name          string       `json:"name"`
	ConnectionKey string       `json:"connection_key"`
	Collections   []Collection `json:"collections"`
}

// MaskingPlan maps each field to erase onto the masking strategy to apply.
type MaskingPlan map[FieldPath]string

// Empty reports whether the plan masks nothing.
func (p MaskingPlan) Empty() bool {
	return len(p) == 0
}
