package definition

import (
	"strings"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/version"
)

// Reference is a dependency declared by a definition.
type Reference struct {
	Kind       Kind
	Name       string
	Constraint string // empty means latest
}

// ID returns the kind-qualified name of the referenced definition.
func (r Reference) ID() string { return ID(r.Kind, r.Name) }

// String returns the fully qualified textual form "kind:name[@constraint]".
func (r Reference) String() string {
	s := string(r.Kind) + ":" + r.Name
	if r.Constraint != "" {
		s += "@" + r.Constraint
	}
	return s
}

// Format returns the textual form relative to a parent kind, omitting the
// kind prefix when it matches.
func (r Reference) Format(parent Kind) string {
	if r.Kind == parent {
		if r.Constraint == "" {
			return r.Name
		}
		return r.Name + "@" + r.Constraint
	}
	return r.String()
}

// Validate checks the referenced name and constraint. An empty kind is
// accepted until the parent kind is known.
func (r Reference) Validate() error {
	if err := errors.ValidateName(r.Name); err != nil {
		return err
	}
	if r.Kind != "" {
		if _, err := ParseKind(string(r.Kind)); err != nil {
			return err
		}
	}
	_, err := version.ParseConstraint(r.Constraint)
	return err
}

// ParseReference parses "[kind:]name[@constraint]". The name/constraint split
// happens at the first "@"; a missing kind inherits parent.
func ParseReference(s string, parent Kind) (Reference, error) {
	s = strings.TrimSpace(s)
	ref := Reference{Kind: parent}

	if k, rest, ok := strings.Cut(s, ":"); ok && !strings.Contains(k, "@") {
		kind, err := ParseKind(k)
		if err != nil {
			return Reference{}, err
		}
		ref.Kind = kind
		s = rest
	}

	name, constraint, _ := strings.Cut(s, "@")
	ref.Name = strings.TrimSpace(name)
	ref.Constraint = strings.TrimSpace(constraint)
	if strings.EqualFold(ref.Constraint, version.Latest) {
		ref.Constraint = ""
	}
	return ref, ref.Validate()
}

// ParseSpec parses a command-line style "name[@constraint]" for a known kind.
func ParseSpec(s string, kind Kind) (name, constraint string, err error) {
	ref, err := ParseReference(s, kind)
	if err != nil {
		return "", "", err
	}
	if ref.Kind != kind {
		return "", "", errors.New(errors.ErrCodeInvalidInput, "%q names a %s, expected a %s", s, ref.Kind, kind)
	}
	return ref.Name, ref.Constraint, nil
}
