package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/version"
)

// Kind enumerates the definition types.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindTool     Kind = "tool"
	KindWorkflow Kind = "workflow"
	KindTemplate Kind = "template"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindAgent, KindTool, KindWorkflow, KindTemplate}

// ParseKind accepts singular or plural kind names ("agent", "agents").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch k {
	case KindAgent, KindTool, KindWorkflow, KindTemplate:
		return k, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "unknown definition kind %q (want agent, tool, workflow or template)", s)
}

// Plural returns the directory name used for the kind in stores ("agents").
func (k Kind) Plural() string { return string(k) + "s" }

// Envelope keys. Every other top-level key is a declared field.
const (
	keyName       = "name"
	keyKind       = "kind"
	keyVersion    = "version"
	keyReferences = "references"
)

func isEnvelopeKey(k string) bool {
	switch k {
	case keyName, keyKind, keyVersion, keyReferences:
		return true
	}
	return false
}

// Definition is one immutable, versioned record.
type Definition struct {
	Name       string
	Kind       Kind
	Version    string
	References []Reference
	Fields     *Fields
}

// ID returns the kind-qualified name ("agent/writer").
func (d *Definition) ID() string { return ID(d.Kind, d.Name) }

// String returns "kind/name@version".
func (d *Definition) String() string { return d.ID() + "@" + d.Version }

// ID builds the kind-qualified identifier used as graph and lockfile key.
func ID(kind Kind, name string) string { return string(kind) + "/" + name }

// SplitID is the inverse of ID.
func SplitID(id string) (Kind, string, error) {
	k, name, ok := strings.Cut(id, "/")
	if !ok {
		return "", "", errors.New(errors.ErrCodeInvalidInput, "invalid definition id %q (want kind/name)", id)
	}
	kind, err := ParseKind(k)
	if err != nil {
		return "", "", err
	}
	return kind, name, nil
}

// Validate checks the envelope: a safe name, a known kind, a semantic
// version and well-formed references.
func (d *Definition) Validate() error {
	if err := errors.ValidateName(d.Name); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidDefinition, err, "invalid definition name")
	}
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidDefinition, err, "definition %q", d.Name)
	}
	if !version.Valid(d.Version) {
		return errors.New(errors.ErrCodeInvalidDefinition, "definition %s has invalid version %q", d.ID(), d.Version)
	}
	for _, ref := range d.References {
		if ref.Kind == "" {
			return errors.New(errors.ErrCodeInvalidDefinition, "definition %s: reference %q has no kind", d.ID(), ref.Name)
		}
		if err := ref.Validate(); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidDefinition, err, "definition %s", d.ID())
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	out := *d
	out.References = append([]Reference(nil), d.References...)
	out.Fields = d.Fields.Clone()
	return &out
}

// ToMap returns the field tree used for hashing, merging and diffing.
// Empty reference lists are omitted so "references: []" and a missing key
// describe the same record.
func (d *Definition) ToMap() map[string]any {
	m := make(map[string]any, d.Fields.Len()+4)
	for _, k := range d.Fields.Keys() {
		v, _ := d.Fields.Get(k)
		m[k] = cloneValue(v)
	}
	m[keyName] = d.Name
	m[keyKind] = string(d.Kind)
	m[keyVersion] = d.Version
	if len(d.References) > 0 {
		refs := make([]any, len(d.References))
		for i, r := range d.References {
			refs[i] = r.Format(d.Kind)
		}
		m[keyReferences] = refs
	}
	return m
}

// FromMap builds a Definition from a field tree. Declared fields are added
// in sorted key order; use [Fields.OrderLike] to restore a preferred order.
func FromMap(m map[string]any) (*Definition, error) {
	d := &Definition{Fields: NewFields()}

	var err error
	if d.Name, err = stringField(m, keyName); err != nil {
		return nil, err
	}
	kind, err := stringField(m, keyKind)
	if err != nil {
		return nil, err
	}
	if kind != "" {
		if d.Kind, err = ParseKind(kind); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "definition %q", d.Name)
		}
	}
	if d.Version, err = stringField(m, keyVersion); err != nil {
		return nil, err
	}
	if raw, ok := m[keyReferences]; ok && raw != nil {
		if d.References, err = parseReferenceList(raw, d.Kind); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "definition %q", d.Name)
		}
	}

	for _, k := range sortedKeys(m) {
		if isEnvelopeKey(k) {
			continue
		}
		d.Fields.Set(k, normalizeValue(m[k]))
	}
	return d, nil
}

func stringField(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int, int64, float64:
		// Unquoted YAML versions such as "version: 1.2" decode as numbers.
		return fmt.Sprint(v), nil
	}
	return "", errors.New(errors.ErrCodeInvalidDefinition, "field %q must be a string, got %T", key, raw)
}

func parseReferenceList(raw any, parent Kind) ([]Reference, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidDefinition, "references must be a list, got %T", raw)
	}
	refs := make([]Reference, 0, len(items))
	for _, item := range items {
		ref, err := referenceFromValue(item, parent)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// referenceFromValue accepts either the textual form or a mapping with
// name, kind and version (or constraint) keys.
func referenceFromValue(item any, parent Kind) (Reference, error) {
	switch v := item.(type) {
	case string:
		return ParseReference(v, parent)
	case map[string]any:
		name, _ := v["name"].(string)
		ref := Reference{Name: name, Kind: parent}
		if k, ok := v["kind"].(string); ok && k != "" {
			kind, err := ParseKind(k)
			if err != nil {
				return Reference{}, err
			}
			ref.Kind = kind
		}
		if c, ok := v["version"].(string); ok {
			ref.Constraint = c
		}
		if c, ok := v["constraint"].(string); ok {
			ref.Constraint = c
		}
		return ref, ref.Validate()
	}
	return Reference{}, errors.New(errors.ErrCodeInvalidDefinition, "reference must be a string or mapping, got %T", item)
}
