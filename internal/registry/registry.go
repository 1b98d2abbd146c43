// Package registry provides the per-entity-type field schema consulted
// by rule validation, condition evaluation, and link synchronization.
//
// A Registry is an immutable, versioned snapshot. Components never
// mutate a live registry; configuration reloads build a new snapshot
// with a bumped version and swap it between events.
package registry

import (
	"fmt"

	"github.com/roach88/taskpilot/internal/field"
)

// FieldSpec declares one field of an entity model.
type FieldSpec struct {
	Name string     `json:"name"`
	Type field.Type `json:"type"`
}

// Registry is an immutable snapshot of every model's field schema.
type Registry struct {
	version int64
	models  map[string]map[string]FieldSpec
}

// New builds a Registry snapshot from per-model field specs.
// The input is deep-copied so later mutation of the maps by the caller
// cannot change the snapshot.
func New(version int64, models map[string][]FieldSpec) (*Registry, error) {
	copied := make(map[string]map[string]FieldSpec, len(models))
	for model, specs := range models {
		if model == "" {
			return nil, fmt.Errorf("registry: empty model name")
		}
		fields := make(map[string]FieldSpec, len(specs))
		for _, spec := range specs {
			if spec.Name == "" {
				return nil, fmt.Errorf("registry: model %q has a field with empty name", model)
			}
			if !field.ValidTypes[spec.Type] {
				return nil, fmt.Errorf("registry: model %q field %q has unknown type %q", model, spec.Name, spec.Type)
			}
			if _, dup := fields[spec.Name]; dup {
				return nil, fmt.Errorf("registry: model %q declares field %q twice", model, spec.Name)
			}
			fields[spec.Name] = spec
		}
		copied[model] = fields
	}
	return &Registry{version: version, models: copied}, nil
}

// Version returns the snapshot version.
func (r *Registry) Version() int64 {
	return r.version
}

// HasModel reports whether the registry declares the given model.
func (r *Registry) HasModel(model string) bool {
	_, ok := r.models[model]
	return ok
}

// Lookup returns the spec for a model field.
func (r *Registry) Lookup(model, name string) (FieldSpec, bool) {
	fields, ok := r.models[model]
	if !ok {
		return FieldSpec{}, false
	}
	spec, ok := fields[name]
	return spec, ok
}

// FieldType returns the declared type of a model field, or an error
// naming the missing model/field. Used by the evaluator, which treats
// an unknown field as a per-rule failure rather than a crash.
func (r *Registry) FieldType(model, name string) (field.Type, error) {
	spec, ok := r.Lookup(model, name)
	if !ok {
		if !r.HasModel(model) {
			return "", fmt.Errorf("registry: unknown model %q", model)
		}
		return "", fmt.Errorf("registry: model %q has no field %q", model, name)
	}
	return spec.Type, nil
}

// ValidateValue checks that a runtime value is acceptable for the
// field's declared type. Null is always acceptable: unset is a state,
// not a type error.
func (r *Registry) ValidateValue(model, name string, v field.Value) error {
	spec, ok := r.Lookup(model, name)
	if !ok {
		return fmt.Errorf("registry: model %q has no field %q", model, name)
	}
	if field.IsNull(v) {
		return nil
	}
	switch spec.Type {
	case field.TypeString:
		if _, ok := v.(field.String); !ok {
			if _, ok := v.(field.List); !ok {
				return typeError(model, name, spec.Type, v)
			}
		}
	case field.TypeNumber:
		switch v.(type) {
		case field.Number, field.String:
			// numeric strings accepted; Compare coerces
		default:
			return typeError(model, name, spec.Type, v)
		}
	case field.TypeBool:
		switch v.(type) {
		case field.Bool, field.String:
		default:
			return typeError(model, name, spec.Type, v)
		}
	case field.TypeDate:
		if !field.IsDate(v) {
			return fmt.Errorf("registry: model %q field %q: value does not parse as a date", model, name)
		}
	}
	return nil
}

func typeError(model, name string, t field.Type, v field.Value) error {
	return fmt.Errorf("registry: model %q field %q: %T is not a valid %s", model, name, v, t)
}
