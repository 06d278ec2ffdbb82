package descriptor

import (
	"fmt"
	"runtime"
	"strings"
)

// Canonical operating system and architecture names.
const (
	OSLinux   = "linux"
	OSMacOS   = "macos"
	OSWindows = "windows"

	ArchX64   = "x64"
	ArchX86   = "x86"
	ArchARM64 = "arm64"
	ArchARM   = "arm"

	universalKey = "universal"
)

var (
	osAliases = map[string]string{
		"linux":   OSLinux,
		"macos":   OSMacOS,
		"darwin":  OSMacOS,
		"osx":     OSMacOS,
		"mac":     OSMacOS,
		"windows": OSWindows,
		"win":     OSWindows,
		"win32":   OSWindows,
		"win64":   OSWindows,
	}
	archAliases = map[string]string{
		"x64":     ArchX64,
		"amd64":   ArchX64,
		"x86_64":  ArchX64,
		"x86-64":  ArchX64,
		"x86":     ArchX86,
		"386":     ArchX86,
		"i386":    ArchX86,
		"i686":    ArchX86,
		"arm64":   ArchARM64,
		"aarch64": ArchARM64,
		"armv8":   ArchARM64,
		"arm":     ArchARM,
		"armv7":   ArchARM,
		"armv7l":  ArchARM,
		"armhf":   ArchARM,
	}

	validOS   = []string{OSLinux, OSMacOS, OSWindows}
	validArch = []string{ArchX64, ArchX86, ArchARM64, ArchARM}
)

// Platform is a normalized os/arch pair. The zero value is not a valid
// platform; construct one with NewPlatform, ParsePlatform or CurrentPlatform.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Universal is the key used for platform-independent artifacts.
var Universal = Platform{OS: universalKey, Arch: universalKey}

// NewPlatform normalizes os and arch aliases into canonical names.
func NewPlatform(os, arch string) (Platform, error) {
	canonOS, ok := osAliases[strings.ToLower(strings.TrimSpace(os))]
	if !ok {
		return Platform{}, InvalidEnum("platform", "os", os, validOS)
	}
	canonArch, ok := archAliases[strings.ToLower(strings.TrimSpace(arch))]
	if !ok {
		return Platform{}, InvalidEnum("platform", "arch", arch, validArch)
	}
	return Platform{OS: canonOS, Arch: canonArch}, nil
}

// ParsePlatform accepts "os-arch" or "os/arch".
func ParsePlatform(value string) (Platform, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, universalKey) {
		return Universal, nil
	}
	sep := strings.IndexAny(value, "-/")
	if sep <= 0 {
		return Platform{}, &SchemaError{
			Source:  "platform",
			Message: fmt.Sprintf("%q must look like os-arch", value),
		}
	}
	return NewPlatform(value[:sep], value[sep+1:])
}

// CurrentPlatform returns the platform of the running process.
func CurrentPlatform() Platform {
	p, err := NewPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	}
	return p
}

// IsUniversal reports whether p is the platform-independent key.
func (p Platform) IsUniversal() bool { return p == Universal }

// IsWindows reports whether executables on p carry an .exe suffix.
func (p Platform) IsWindows() bool { return p.OS == OSWindows }

// ExeSuffix returns ".exe" on windows and "" elsewhere.
func (p Platform) ExeSuffix() string {
	if p.IsWindows() {
		return ".exe"
	}
	return ""
}

func (p Platform) String() string {
	if p.IsUniversal() {
		return universalKey
	}
	return p.OS + "-" + p.Arch
}

// ValidOS returns the canonical operating system names.
func ValidOS() []string { return append([]string(nil), validOS...) }

// ValidArch returns the canonical architecture names.
func ValidArch() []string { return append([]string(nil), validArch...) }
