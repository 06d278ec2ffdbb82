package resolver

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"vx/pkg/descriptor"
)

const nearestCount = 3

// Sorted returns a copy of records in descending version order.
func Sorted(records []descriptor.VersionRecord) []descriptor.VersionRecord {
	out := append([]descriptor.VersionRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		return descriptor.CompareVersions(out[i], out[j]) > 0
	})
	return out
}

// Select applies c to records and returns the single chosen record. An
// empty result is a *descriptor.NoMatchingVersionError; unparseable records
// are only ever chosen by an Exact constraint.
func Select(tool string, records []descriptor.VersionRecord, c descriptor.Constraint) (descriptor.VersionRecord, error) {
	sorted := Sorted(records)

	var match func(descriptor.VersionRecord) bool
	switch c.Kind {
	case descriptor.ConstraintExact:
		want := strings.TrimPrefix(strings.TrimPrefix(c.Value, "v"), "V")
		match = func(r descriptor.VersionRecord) bool {
			return r.Raw == c.Value || r.Normalized() == want
		}
	case descriptor.ConstraintLatest, "":
		match = func(r descriptor.VersionRecord) bool {
			return r.Parsed() && !r.Prerelease
		}
	case descriptor.ConstraintLatestIncludingPrerelease:
		match = func(r descriptor.VersionRecord) bool {
			return r.Parsed()
		}
	case descriptor.ConstraintMajorPrefix:
		match = func(r descriptor.VersionRecord) bool {
			return r.Parsed() && !r.Prerelease && r.Major() == c.Major
		}
	case descriptor.ConstraintRange:
		rangeMatch, err := rangeMatcher(c.Value)
		if err != nil {
			return descriptor.VersionRecord{}, err
		}
		match = rangeMatch
	default:
		return descriptor.VersionRecord{}, descriptor.InvalidEnum("constraint", "kind", string(c.Kind), []string{
			string(descriptor.ConstraintExact),
			string(descriptor.ConstraintLatest),
			string(descriptor.ConstraintLatestIncludingPrerelease),
			string(descriptor.ConstraintRange),
			string(descriptor.ConstraintMajorPrefix),
		})
	}

	for _, rec := range sorted {
		if match(rec) {
			return rec, nil
		}
	}
	return descriptor.VersionRecord{}, &descriptor.NoMatchingVersionError{
		Tool:       tool,
		Constraint: c.String(),
		Nearest:    nearest(sorted, c),
	}
}

// rangeMatcher compiles a range expression. Records flagged as prereleases
// only match when the expression itself names a prerelease.
func rangeMatcher(expr string) (func(descriptor.VersionRecord) bool, error) {
	constraint, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, &descriptor.SchemaError{Source: "constraint", Field: "range", Message: err.Error()}
	}
	allowPre := namesPrerelease(expr)
	return func(r descriptor.VersionRecord) bool {
		if !r.Parsed() || (r.Prerelease && !allowPre) {
			return false
		}
		v, err := semver.NewVersion(r.Raw)
		if err != nil {
			return false
		}
		return constraint.Check(v)
	}, nil
}

// namesPrerelease reports whether any version operand in expr carries a
// prerelease tag. The " - " of a hyphen range is not an operand.
func namesPrerelease(expr string) bool {
	fields := strings.FieldsFunc(expr, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == '|'
	})
	for _, field := range fields {
		operand := strings.TrimLeft(field, "=<>!~^")
		if operand == "" || operand == "-" {
			continue
		}
		if v, err := semver.NewVersion(operand); err == nil && v.Prerelease() != "" {
			return true
		}
	}
	return false
}

func nearest(sorted []descriptor.VersionRecord, c descriptor.Constraint) []string {
	var pool []descriptor.VersionRecord
	for _, rec := range sorted {
		if rec.Parsed() && (!rec.Prerelease || c.Kind == descriptor.ConstraintLatestIncludingPrerelease) {
			pool = append(pool, rec)
		}
	}
	if c.Kind == descriptor.ConstraintMajorPrefix {
		distance := func(r descriptor.VersionRecord) int {
			d := r.Major() - c.Major
			if d < 0 {
				return -d
			}
			return d
		}
		sort.SliceStable(pool, func(i, j int) bool {
			return distance(pool[i]) < distance(pool[j])
		})
	}
	if len(pool) == 0 {
		pool = sorted
	}
	out := make([]string, 0, nearestCount)
	for _, rec := range pool {
		if len(out) == nearestCount {
			break
		}
		out = append(out, rec.Raw)
	}
	return out
}
