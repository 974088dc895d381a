package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// DatasetFile is the on-disk form of one or more datasets.
type DatasetFile struct {
	Datasets []DatasetSpec `json:"datasets" yaml:"datasets"`
}

// DatasetSpec declares a dataset.
type DatasetSpec struct {
	Name          string           `json:"name" yaml:"name"`
	ConnectionKey string           `json:"connection_key" yaml:"connection_key"`
	Collections   []CollectionSpec `json:"collections" yaml:"collections"`
}

// CollectionSpec declares a collection. After and EraseAfter take
// "dataset:collection" addresses.
type CollectionSpec struct {
	Name            string      `json:"name" yaml:"name"`
	Fields          []FieldSpec `json:"fields" yaml:"fields"`
	After           []string    `json:"after,omitempty" yaml:"after,omitempty"`
	EraseAfter      []string    `json:"erase_after,omitempty" yaml:"erase_after,omitempty"`
	SkipProcessing  bool        `json:"skip_processing,omitempty" yaml:"skip_processing,omitempty"`
	MaskingStrategy string      `json:"masking_strategy,omitempty" yaml:"masking_strategy,omitempty"`
}

// FieldSpec declares a field. Nested fields extend the dotted path of
// their parent.
type FieldSpec struct {
	Name           string          `json:"name" yaml:"name"`
	DataCategories []string        `json:"data_categories,omitempty" yaml:"data_categories,omitempty"`
	Identity       string          `json:"identity,omitempty" yaml:"identity,omitempty"`
	PrimaryKey     bool            `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	References     []ReferenceSpec `json:"references,omitempty" yaml:"references,omitempty"`
	Fields         []FieldSpec     `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// ReferenceSpec points at "dataset:collection.field".
type ReferenceSpec struct {
	Field     string                    `json:"field" yaml:"field"`
	Direction domain.ReferenceDirection `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// ToDomain converts the spec into a domain dataset.
func (s DatasetSpec) ToDomain() (domain.Dataset, error) {
	if strings.TrimSpace(s.Name) == "" {
		return domain.Dataset{}, fmt.Errorf("%w: dataset name is required", domain.ErrDatasetInvalid)
	}
	if strings.Contains(s.Name, ":") {
		return domain.Dataset{}, fmt.Errorf("%w: dataset name %q must not contain ':'", domain.ErrDatasetInvalid, s.Name)
	}
	ds := domain.Dataset{Name: s.Name, ConnectionKey: s.ConnectionKey}
	for _, cs := range s.Collections {
		c, err := cs.toDomain()
		if err != nil {
			return domain.Dataset{}, fmt.Errorf("dataset %s: %w", s.Name, err)
		}
		ds.Collections = append(ds.Collections, c)
	}
	return ds, nil
}

func (s CollectionSpec) toDomain() (domain.Collection, error) {
	if strings.TrimSpace(s.Name) == "" {
		return domain.Collection{}, fmt.Errorf("%w: collection name is required", domain.ErrDatasetInvalid)
	}
	c := domain.Collection{
		Name:            s.Name,
		SkipProcessing:  s.SkipProcessing,
		MaskingStrategy: s.MaskingStrategy,
	}
	var err error
	if c.After, err = parseAddresses(s.After); err != nil {
		return domain.Collection{}, fmt.Errorf("collection %s after: %w", s.Name, err)
	}
	if c.EraseAfter, err = parseAddresses(s.EraseAfter); err != nil {
		return domain.Collection{}, fmt.Errorf("collection %s erase_after: %w", s.Name, err)
	}
	for _, fs := range s.Fields {
		if err := fs.flatten("", &c.Fields); err != nil {
			return domain.Collection{}, fmt.Errorf("collection %s: %w", s.Name, err)
		}
	}
	return c, nil
}

func (s FieldSpec) flatten(prefix string, out *[]domain.Field) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: field name is required", domain.ErrDatasetInvalid)
	}
	path := s.Name
	if prefix != "" {
		path = prefix + "." + s.Name
	}

	f := domain.Field{
		Path:           domain.FieldPath(path),
		DataCategories: s.DataCategories,
		Identity:       s.Identity,
		PrimaryKey:     s.PrimaryKey,
	}
	for _, ref := range s.References {
		target, err := domain.ParseFieldAddress(ref.Field)
		if err != nil {
			return fmt.Errorf("%w: field %s: %w", domain.ErrDatasetInvalid, path, err)
		}
		dir := ref.Direction
		switch dir {
		case "":
			dir = domain.DirectionFrom
		case domain.DirectionFrom, domain.DirectionTo:
		default:
			return fmt.Errorf("%w: field %s: unknown reference direction %q", domain.ErrDatasetInvalid, path, ref.Direction)
		}
		f.References = append(f.References, domain.FieldReference{Target: target, Direction: dir})
	}

	// A parent field only carries its own attributes when it has no children.
	if len(s.Fields) == 0 || f.Identity != "" || len(f.References) > 0 || len(f.DataCategories) > 0 || f.PrimaryKey {
		*out = append(*out, f)
	}
	for _, child := range s.Fields {
		if err := child.flatten(path, out); err != nil {
			return err
		}
	}
	return nil
}

func parseAddresses(raw []string) ([]domain.CollectionAddress, error) {
	var out []domain.CollectionAddress
	for _, s := range raw {
		addr, err := domain.ParseCollectionAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDatasetInvalid, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseDatasets decodes a dataset file. YAML is tried first, then JSON.
func ParseDatasets(data []byte) ([]domain.Dataset, error) {
	var file DatasetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return nil, fmt.Errorf("%w: failed to parse dataset file: %v", domain.ErrDatasetInvalid, err)
		}
	}
	out := make([]domain.Dataset, 0, len(file.Datasets))
	for _, spec := range file.Datasets {
		ds, err := spec.ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// LoadDatasets reads every .yaml, .yml and .json file of dir in name order.
// Dataset names must be unique across files.
func LoadDatasets(dir string) ([]domain.Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir %s: %w", dir, err)
	}

	var datasets []domain.Dataset
	seen := make(map[string]string)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isDatasetFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		// #nosec G304 -- dataset dir is configured at startup
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		parsed, err := ParseDatasets(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		for _, ds := range parsed {
			if prev, ok := seen[ds.Name]; ok {
				errs = append(errs, fmt.Errorf("%w: dataset %s declared in %s and %s", domain.ErrDatasetInvalid, ds.Name, prev, entry.Name()))
				continue
			}
			seen[ds.Name] = entry.Name()
			datasets = append(datasets, ds)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.SortFunc(datasets, func(a, b domain.Dataset) int { return strings.Compare(a.Name, b.Name) })
	return datasets, nil
}

func isDatasetFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
