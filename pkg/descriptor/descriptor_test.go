package descriptor

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlatformAliases(t *testing.T) {
	cases := []struct {
		os, arch string
		want     string
	}{
		{"darwin", "amd64", "macos-x64"},
		{"macOS", "x86_64", "macos-x64"},
		{"linux", "aarch64", "linux-arm64"},
		{"win32", "i686", "windows-x86"},
		{"Windows", "x64", "windows-x64"},
		{"linux", "armv7l", "linux-arm"},
	}
	for _, tc := range cases {
		p, err := NewPlatform(tc.os, tc.arch)
		require.NoError(t, err, "%s/%s", tc.os, tc.arch)
		assert.Equal(t, tc.want, p.String())
	}
}

func TestNewPlatformUnknownListsValidValues(t *testing.T) {
	_, err := NewPlatform("plan9", "x64")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchema))
	assert.Contains(t, err.Error(), `"plan9" is invalid`)
	assert.Contains(t, err.Error(), "linux, macos, windows")

	_, err = NewPlatform("linux", "mips")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x64, x86, arm64, arm")
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("windows/arm64")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: OSWindows, Arch: ArchARM64}, p)
	assert.Equal(t, ".exe", p.ExeSuffix())

	u, err := ParsePlatform("universal")
	require.NoError(t, err)
	assert.True(t, u.IsUniversal())

	_, err = ParsePlatform("linux")
	assert.ErrorIs(t, err, ErrSchema)
}

func TestParseVersion(t *testing.T) {
	v := ParseVersion("v1.2.3+build.7", false, time.Time{})
	assert.Equal(t, []int{1, 2, 3}, v.Numeric)
	assert.False(t, v.Prerelease)
	assert.Equal(t, 1, v.Major())

	pre := ParseVersion("2.0.0-rc.1", false, time.Time{})
	assert.True(t, pre.Prerelease)
	assert.Equal(t, []int{2, 0, 0}, pre.Numeric)

	odd := ParseVersion("nightly-2024", false, time.Time{})
	assert.False(t, odd.Parsed())
	assert.Equal(t, -1, odd.Major())
}

func TestCompareVersions(t *testing.T) {
	parse := func(raw string) VersionRecord { return ParseVersion(raw, false, time.Time{}) }

	assert.Equal(t, -1, CompareVersions(parse("1.9.0"), parse("1.10.0")))
	assert.Equal(t, 0, CompareVersions(parse("1.2"), parse("1.2")))
	assert.Equal(t, -1, CompareVersions(parse("1.2"), parse("1.2.1")))
	assert.Equal(t, -1, CompareVersions(parse("1.0.0-beta"), parse("1.0.0")))
	assert.Equal(t, 1, CompareVersions(parse("0.0.1"), parse("nightly")))
	assert.Equal(t, -1, CompareVersions(parse("alpha"), parse("beta")))

	list := []VersionRecord{parse("1.10.0"), parse("nightly"), parse("1.2.0"), parse("1.10.0-rc1")}
	sort.Slice(list, func(i, j int) bool { return CompareVersions(list[i], list[j]) < 0 })
	got := make([]string, len(list))
	for i, v := range list {
		got[i] = v.Raw
	}
	assert.Equal(t, []string{"nightly", "1.2.0", "1.10.0-rc1", "1.10.0"}, got)
}

func TestParseConstraint(t *testing.T) {
	cases := map[string]Constraint{
		"":           Latest(),
		"latest":     Latest(),
		"prerelease": LatestIncludingPrerelease(),
		"20":         MajorPrefix(20),
		"v3":         MajorPrefix(3),
		"^1.2":       Range("^1.2"),
		">=1, <2":    Range(">=1, <2"),
		"1.x":        Range("1.x"),
		"1.2.3":      Exact("1.2.3"),
		"1.0.0-rc1":  Exact("1.0.0-rc1"),
		"nightly":    Exact("nightly"),
	}
	for input, want := range cases {
		got, err := ParseConstraint(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseConstraint("-4")
	assert.ErrorIs(t, err, ErrSchema)
}

func TestCapabilitiesAllowsHost(t *testing.T) {
	caps := Capabilities{Hosts: []string{"api.github.com", "*.nodejs.org"}}

	assert.True(t, caps.AllowsHost("api.github.com"))
	assert.True(t, caps.AllowsHost("API.GitHub.com"))
	assert.True(t, caps.AllowsHost("nodejs.org"))
	assert.True(t, caps.AllowsHost("dist.nodejs.org"))
	assert.False(t, caps.AllowsHost("github.com"))
	assert.False(t, caps.AllowsHost("evilnodejs.org"))
	assert.False(t, caps.AllowsHost(""))
}

func TestCapabilitiesExecAndPaths(t *testing.T) {
	caps := Capabilities{Exec: []string{"msiexec", "brew"}, Paths: []string{"/opt/tools"}}

	assert.True(t, caps.AllowsExec("msiexec.exe"))
	assert.True(t, caps.AllowsExec("/usr/local/bin/brew"))
	assert.False(t, caps.AllowsExec("apt-get"))

	assert.True(t, caps.AllowsPath("/opt/tools/bin"))
	assert.False(t, caps.AllowsPath("/opt/toolsx"))
	assert.False(t, caps.AllowsPath("relative"))
}

func TestCapabilitiesFingerprintIsOrderIndependent(t *testing.T) {
	a := Capabilities{Hosts: []string{"a.example", "b.example"}}
	b := Capabilities{Hosts: []string{"b.example", "a.example"}}
	c := Capabilities{Hosts: []string{"a.example"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestInstallDescriptorValidate(t *testing.T) {
	ok := InstallDescriptor{Kind: KindArchive, Archive: &ArchiveLayout{ExecutablePaths: []string{"bin/tool"}}}
	assert.NoError(t, ok.Validate())

	mixed := InstallDescriptor{
		Kind:    KindArchive,
		Archive: &ArchiveLayout{ExecutablePaths: []string{"bin/tool"}},
		Binary:  &BinaryLayout{SourceName: "a", TargetName: "b"},
	}
	assert.ErrorIs(t, mixed.Validate(), ErrSchema)

	unknown := InstallDescriptor{Kind: "msi", Admin: &AdminInstallLayout{ExecutablePaths: []string{"x"}}}
	err := unknown.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive, binary, admin_install")
}

func TestExpand(t *testing.T) {
	p := Platform{OS: OSWindows, Arch: ArchX64}
	vars := VarsFor("node", "v20.1.0", p)
	got := Expand("{tool}-v{version}-{os}-{arch}/bin/{tool}{exe}", vars)
	assert.Equal(t, "node-v20.1.0-windows-x64/bin/node.exe", got)
}

func TestCleanRelative(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"bin/tool", "bin/tool", true},
		{`bin\tool.exe`, "bin/tool.exe", true},
		{"./a/../b", "b", true},
		{"../escape", "", false},
		{"/abs", "", false},
		{`C:\tools`, "", false},
		{"", "", true},
	}
	for _, tc := range cases {
		got, ok := CleanRelative(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &StructuralMismatchError{Artifact: "tool.tar.gz", Reason: "prefix mismatch", TopLevel: []string{"other"}}
	assert.ErrorIs(t, err, ErrStructuralMismatch)
	assert.Contains(t, err.Error(), "top-level entries: other")

	err = &AllFallbacksFailedError{Tool: "jq", Failures: []FallbackFailure{{Manager: "brew", Package: "jq", Reason: "not installed"}}}
	assert.ErrorIs(t, err, ErrAllFallbacksFailed)
	assert.Contains(t, err.Error(), "brew(jq): not installed")

	inner := errors.New("connection reset")
	err = &NetworkError{URL: "https://example.test", Attempts: 3, Err: inner}
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, inner)

	var nomatch *NoMatchingVersionError
	err = &NoMatchingVersionError{Tool: "go", Constraint: "=9.9", Nearest: []string{"1.22.0"}}
	require.ErrorAs(t, err, &nomatch)
	assert.Equal(t, []string{"1.22.0"}, nomatch.Nearest)
}
