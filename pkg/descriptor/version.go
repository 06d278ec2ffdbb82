package descriptor

import (
	"strconv"
	"strings"
	"time"
)

// VersionRecord is one entry of a tool's version list.
type VersionRecord struct {
	Raw        string    `json:"raw"`
	Numeric    []int     `json:"numeric,omitempty"`
	Prerelease bool      `json:"prerelease"`
	ReleasedAt time.Time `json:"released_at,omitempty"`
}

// ParseVersion builds a record from a raw version string. A leading "v" and
// any "+build" metadata are ignored for the numeric tuple; a "-suffix" marks
// the record as a prerelease. Records whose core is not dot separated
// integers keep a nil Numeric tuple.
func ParseVersion(raw string, prerelease bool, released time.Time) VersionRecord {
	raw = strings.TrimSpace(raw)
	rec := VersionRecord{Raw: raw, Prerelease: prerelease, ReleasedAt: released}

	core := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")
	if idx := strings.IndexByte(core, '+'); idx >= 0 {
		core = core[:idx]
	}
	if idx := strings.IndexByte(core, '-'); idx >= 0 {
		rec.Prerelease = true
		core = core[:idx]
	}
	rec.Numeric = numericParts(core)
	return rec
}

// Parsed reports whether the record has a numeric tuple.
func (v VersionRecord) Parsed() bool { return v.Numeric != nil }

// Major returns the leading numeric component, or -1 when unparsed.
func (v VersionRecord) Major() int {
	if len(v.Numeric) == 0 {
		return -1
	}
	return v.Numeric[0]
}

// Normalized returns the version without a leading "v".
func (v VersionRecord) Normalized() string {
	return strings.TrimPrefix(strings.TrimPrefix(v.Raw, "v"), "V")
}

func (v VersionRecord) String() string { return v.Raw }

// CompareVersions orders records: parsed records by numeric tuple (missing
// components count as zero), a release above a prerelease of the same tuple,
// then by raw string. Parsed records sort above unparsed ones, which compare
// lexically among themselves.
func CompareVersions(a, b VersionRecord) int {
	switch {
	case a.Parsed() && !b.Parsed():
		return 1
	case !a.Parsed() && b.Parsed():
		return -1
	case !a.Parsed() && !b.Parsed():
		return strings.Compare(a.Raw, b.Raw)
	}

	n := len(a.Numeric)
	if len(b.Numeric) > n {
		n = len(b.Numeric)
	}
	for i := 0; i < n; i++ {
		av, bv := component(a.Numeric, i), component(b.Numeric, i)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	if a.Prerelease != b.Prerelease {
		if a.Prerelease {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Normalized(), b.Normalized())
}

func component(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}

func numericParts(core string) []int {
	if core == "" {
		return nil
	}
	fields := strings.Split(core, ".")
	parts := make([]int, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return nil
		}
		parts = append(parts, n)
	}
	return parts
}
