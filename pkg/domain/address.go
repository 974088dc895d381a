package domain

import (
	"fmt"
	"strings"
)

// CollectionAddress identifies a collection within a dataset. It is comparable
// and safe to use as a map key.
type CollectionAddress struct {
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
}

// NewCollectionAddress builds an address from its parts.
func NewCollectionAddress(dataset, collection string) CollectionAddress {
	return CollectionAddress{Dataset: dataset, Collection: collection}
}

// ParseCollectionAddress parses the "dataset:collection" form.
func ParseCollectionAddress(s string) (CollectionAddress, error) {
	dataset, collection, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || dataset == "" || collection == "" {
		return CollectionAddress{}, fmt.Errorf("invalid collection address %q: expected dataset:collection", s)
	}
	return CollectionAddress{Dataset: dataset, Collection: collection}, nil
}

func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// IsZero reports whether the address is unset.
func (a CollectionAddress) IsZero() bool {
	return a.Dataset == "" && a.Collection == ""
}

// Less orders addresses lexicographically by dataset, then collection.
func (a CollectionAddress) Less(b CollectionAddress) bool {
	if a.Dataset != b.Dataset {
		return a.Dataset < b.Dataset
	}
	return a.Collection < b.Collection
}

// MarshalText implements encoding.TextMarshaler so addresses can be map keys in JSON.
func (a CollectionAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *CollectionAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseCollectionAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FieldPath is a dotted path into a possibly nested row, e.g. "address.city".
type FieldPath string

// Segments splits the path on dots.
func (p FieldPath) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Values extracts every value found at the path. Arrays encountered along
// the way are flattened so a path through a list of objects yields one value
// per element. Missing keys and nil values yield nothing.
func (p FieldPath) Values(row Row) []any {
	segments := p.Segments()
	if len(segments) == 0 {
		return nil
	}
	var out []any
	collectValues(map[string]any(row), segments, &out)
	return out
}

func collectValues(node any, segments []string, out *[]any) {
	switch v := node.(type) {
	case nil:
		return
	case []any:
		for _, item := range v {
			collectValues(item, segments, out)
		}
		return
	}

	if len(segments) == 0 {
		*out = append(*out, node)
		return
	}

	var next any
	switch v := node.(type) {
	case map[string]any:
		next = v[segments[0]]
	case Row:
		next = v[segments[0]]
	default:
		return
	}
	collectValues(next, segments[1:], out)
}

// FieldAddress identifies one field of one collection.
type FieldAddress struct {
	Collection CollectionAddress `json:"collection"`
	Path       FieldPath         `json:"path"`
}

// ParseFieldAddress parses the "dataset:collection.field.path" form.
func ParseFieldAddress(s string) (FieldAddress, error) {
	dataset, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return FieldAddress{}, fmt.Errorf("invalid field address %q: expected dataset:collection.field", s)
	}
	collection, path, ok := strings.Cut(rest, ".")
	if !ok || dataset == "" || collection == "" || path == "" {
		return FieldAddress{}, fmt.Errorf("invalid field address %q: expected dataset:collection.field", s)
	}
	return FieldAddress{
		Collection: CollectionAddress{Dataset: dataset, Collection: collection},
		Path:       FieldPath(path),
	}, nil
}

func (f FieldAddress) String() string {
	return f.Collection.String() + "." + string(f.Path)
}
