// Package version wraps semantic-version parsing, range constraints and
// change classification for definition versions.
//
// Constraints use the standard range grammar understood by
// github.com/Masterminds/semver/v3:
//
//	1.2.3        exact
//	^1.2.0       compatible (same major)
//	~1.2.0       patch-level (same major.minor)
//	1.x, 1.2.*   wildcard
//	>=1.0 <2.0   ranges
//	latest       highest available version
//
// An empty constraint is the same as "latest".
package version

import (
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/matzehuels/forge/pkg/errors"
)

// Latest is the literal constraint token selecting the highest version.
const Latest = "latest"

// Change classifies the difference between two versions.
type Change string

const (
	ChangeNone       Change = "none"
	ChangePatch      Change = "patch"
	ChangeMinor      Change = "minor"
	ChangeMajor      Change = "major"
	ChangePrerelease Change = "prerelease"
	ChangeDowngrade  Change = "downgrade"
	ChangeUnknown    Change = "unknown"
)

// Parse parses a semantic version. Leading "v" and short forms ("1.2") are accepted.
func Parse(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(strings.TrimSpace(v))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid version %q", v)
	}
	return sv, nil
}

// Valid reports whether v parses as a semantic version.
func Valid(v string) bool {
	_, err := semver.NewVersion(strings.TrimSpace(v))
	return err == nil
}

// Constraint is a parsed version constraint.
type Constraint struct {
	raw    string
	latest bool
	c      *semver.Constraints
}

// ParseConstraint parses a constraint string. "", "latest" and "*" never fail.
func ParseConstraint(s string) (*Constraint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || strings.EqualFold(raw, Latest) {
		return &Constraint{raw: Latest, latest: true}, nil
	}
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConstraint, err, "invalid version constraint %q", s)
	}
	return &Constraint{raw: raw, c: c}, nil
}

// MustConstraint is like ParseConstraint but panics on error. Intended for tests and constants.
func MustConstraint(s string) *Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the constraint as written ("latest" for the empty constraint).
func (c *Constraint) String() string { return c.raw }

// IsLatest reports whether the constraint is the "latest" token.
func (c *Constraint) IsLatest() bool { return c.latest }

// Check reports whether version v satisfies the constraint.
// Unparseable versions never satisfy anything.
func (c *Constraint) Check(v string) bool {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	if c.latest {
		return true
	}
	return c.c.Check(sv)
}

// Select returns the highest version in versions satisfying the constraint.
// For "latest" the highest stable version wins; prereleases are only
// selected when no stable version exists.
func (c *Constraint) Select(versions []string) (string, bool) {
	parsed := parseAll(versions)
	if len(parsed) == 0 {
		return "", false
	}
	slices.SortStableFunc(parsed, func(a, b *semver.Version) int { return b.Compare(a) })

	if c.latest {
		for _, v := range parsed {
			if v.Prerelease() == "" {
				return v.Original(), true
			}
		}
		return parsed[0].Original(), true
	}
	for _, v := range parsed {
		if c.c.Check(v) {
			return v.Original(), true
		}
	}
	return "", false
}

// Sort returns the valid versions in ascending order. Invalid entries are dropped.
func Sort(versions []string) []string {
	parsed := parseAll(versions)
	slices.SortStableFunc(parsed, func(a, b *semver.Version) int { return a.Compare(b) })
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out
}

// Compare compares two versions. Invalid versions sort before valid ones
// and compare lexically among themselves.
func Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Classify describes the change from version from to version to.
func Classify(from, to string) Change {
	vf, errF := semver.NewVersion(from)
	vt, errT := semver.NewVersion(to)
	if errF != nil || errT != nil {
		return ChangeUnknown
	}
	switch cmp := vt.Compare(vf); {
	case cmp == 0:
		return ChangeNone
	case cmp < 0:
		return ChangeDowngrade
	}
	switch {
	case vt.Major() > vf.Major():
		return ChangeMajor
	case vt.Minor() > vf.Minor():
		return ChangeMinor
	case vt.Patch() > vf.Patch():
		return ChangePatch
	default:
		return ChangePrerelease
	}
}

// Breaking reports whether moving from from to to increases the major version.
func Breaking(from, to string) bool {
	return Classify(from, to) == ChangeMajor
}

func parseAll(versions []string) []*semver.Version {
	out := make([]*semver.Version, 0, len(versions))
	for _, s := range versions {
		if v, err := semver.NewVersion(s); err == nil {
			out = append(out, v)
		}
	}
	return out
}
