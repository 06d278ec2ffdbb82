package descriptor

import (
	"fmt"
	"strconv"
	"strings"
)

// ConstraintKind enumerates the supported version selection rules.
type ConstraintKind string

const (
	ConstraintExact                     ConstraintKind = "exact"
	ConstraintLatest                    ConstraintKind = "latest"
	ConstraintLatestIncludingPrerelease ConstraintKind = "latest-prerelease"
	ConstraintRange                     ConstraintKind = "range"
	ConstraintMajorPrefix               ConstraintKind = "major"
)

// Constraint selects at most one version from a list. Value carries the
// exact version or the range expression; Major carries the MajorPrefix value.
type Constraint struct {
	Kind  ConstraintKind `json:"kind"`
	Value string         `json:"value,omitempty"`
	Major int            `json:"major,omitempty"`
}

func Exact(version string) Constraint {
	return Constraint{Kind: ConstraintExact, Value: strings.TrimSpace(version)}
}

func Latest() Constraint { return Constraint{Kind: ConstraintLatest} }

func LatestIncludingPrerelease() Constraint {
	return Constraint{Kind: ConstraintLatestIncludingPrerelease}
}

func Range(expr string) Constraint {
	return Constraint{Kind: ConstraintRange, Value: strings.TrimSpace(expr)}
}

func MajorPrefix(n int) Constraint { return Constraint{Kind: ConstraintMajorPrefix, Major: n} }

const rangeOperators = "^~<>=*,| "

// ParseConstraint interprets the constraint portion of "tool@constraint".
func ParseConstraint(value string) (Constraint, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "latest", "stable":
		return Latest(), nil
	case "latest-pre", "latest-prerelease", "prerelease":
		return LatestIncludingPrerelease(), nil
	}

	if n, err := strconv.Atoi(strings.TrimPrefix(value, "v")); err == nil {
		if n < 0 {
			return Constraint{}, &SchemaError{Source: "constraint", Message: fmt.Sprintf("%q: major version must not be negative", value)}
		}
		return MajorPrefix(n), nil
	}
	if strings.ContainsAny(value, rangeOperators) || hasWildcardComponent(value) {
		return Range(value), nil
	}
	return Exact(value), nil
}

func hasWildcardComponent(value string) bool {
	for _, part := range strings.Split(value, ".") {
		if part == "x" || part == "X" {
			return true
		}
	}
	return false
}

func (c Constraint) String() string {
	switch c.Kind {
	case ConstraintExact:
		return "=" + c.Value
	case ConstraintLatest:
		return "latest"
	case ConstraintLatestIncludingPrerelease:
		return "latest-prerelease"
	case ConstraintRange:
		return c.Value
	case ConstraintMajorPrefix:
		return strconv.Itoa(c.Major) + ".x"
	default:
		return string(c.Kind)
	}
}

// IsZero reports whether c was never set.
func (c Constraint) IsZero() bool { return c.Kind == "" }
