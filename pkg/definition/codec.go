package definition

import (
	"bytes"
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matzehuels/forge/pkg/errors"
)

// =============================================================================
// YAML
// =============================================================================

// Load reads and parses a YAML definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeNotFound, err, "definition file %s", path)
		}
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", path)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "parse %s", path)
	}
	return d, nil
}

// Parse decodes a YAML definition, preserving the order of declared fields.
// The envelope is read verbatim from scalar nodes so "version: 1.10" stays
// "1.10" instead of becoming a float. Parse does not validate; call
// [Definition.Validate] once the kind is known.
func Parse(data []byte) (*Definition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "invalid YAML")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidDefinition, "empty definition document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New(errors.ErrCodeInvalidDefinition, "definition must be a mapping")
	}

	d := &Definition{Fields: NewFields()}
	var rawRefs any

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case keyName, keyKind, keyVersion:
			if val.Kind != yaml.ScalarNode {
				return nil, errors.New(errors.ErrCodeInvalidDefinition, "field %q must be a scalar", key)
			}
			switch key {
			case keyName:
				d.Name = val.Value
			case keyKind:
				if val.Value != "" {
					kind, err := ParseKind(val.Value)
					if err != nil {
						return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "definition %q", d.Name)
					}
					d.Kind = kind
				}
			case keyVersion:
				d.Version = val.Value
			}
		case keyReferences:
			if err := val.Decode(&rawRefs); err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "decode references")
			}
		default:
			var v any
			if err := val.Decode(&v); err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "decode field %q", key)
			}
			d.Fields.Set(key, normalizeValue(v))
		}
	}

	if rawRefs != nil {
		refs, err := parseReferenceList(normalizeValue(rawRefs), d.Kind)
		if err != nil {
			return nil, err
		}
		d.References = refs
	}
	return d, nil
}

// SetKind assigns a kind to a definition parsed without one and re-homes
// references that inherited the empty kind.
func (d *Definition) SetKind(kind Kind) {
	for i := range d.References {
		if d.References[i].Kind == "" {
			d.References[i].Kind = kind
		}
	}
	d.Kind = kind
}

// Marshal renders the definition as a YAML document with the envelope
// first and declared fields in their stored order.
func Marshal(d *Definition) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value any) error {
		var vn yaml.Node
		if err := vn.Encode(value); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, err, "encode field %q", key)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &vn)
		return nil
	}

	root.Content = append(root.Content,
		scalar(keyName), scalar(d.Name),
		scalar(keyKind), scalar(string(d.Kind)),
		scalar(keyVersion), scalar(d.Version),
	)
	if len(d.References) > 0 {
		refs := make([]string, len(d.References))
		for i, r := range d.References {
			refs[i] = r.Format(d.Kind)
		}
		if err := add(keyReferences, refs); err != nil {
			return nil, err
		}
	}
	for _, k := range d.Fields.Keys() {
		v, _ := d.Fields.Get(k)
		if err := add(k, v); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode definition %s", d.ID())
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

// =============================================================================
// JSON
// =============================================================================

// MarshalJSON encodes the definition as the flat field tree.
func (d *Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToMap())
}

// UnmarshalJSON decodes the flat field tree form served by registries.
func (d *Definition) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidDefinition, err, "invalid definition JSON")
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}
