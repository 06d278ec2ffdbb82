package toolspec

import (
	"os"
	"strconv"
	"strings"

	"vx/pkg/descriptor"
)

// Ecosystems a tool may belong to.
var Ecosystems = []string{"node", "python", "go", "rust", "java", "dotnet", "system", "devtools"}

// Version list sources understood by static rules.
const (
	SourceGitHubReleases = "github-releases"
	SourceJSONList       = "json-list"
	SourceStatic         = "static"
)

// VersionSources lists the accepted [versions] source values.
var VersionSources = []string{SourceGitHubReleases, SourceJSONList, SourceStatic}

// Managers lists the package managers a fallback strategy may name.
var Managers = []string{
	"choco", "winget", "scoop",
	"brew",
	"apt", "dnf", "yum", "pacman", "zypper",
	"npm", "pip", "cargo",
}

// Spec is a parsed tool document.
type Spec struct {
	Name         string                  `toml:"name" yaml:"name"`
	Ecosystem    string                  `toml:"ecosystem" yaml:"ecosystem"`
	Aliases      []string                `toml:"aliases" yaml:"aliases"`
	Description  string                  `toml:"description" yaml:"description"`
	Executable   string                  `toml:"executable" yaml:"executable"`
	Homepage     string                  `toml:"homepage" yaml:"homepage"`
	Capabilities descriptor.Capabilities `toml:"capabilities" yaml:"capabilities"`
	Script       string                  `toml:"script" yaml:"script"`
	ScriptFile   string                  `toml:"script_file" yaml:"script_file"`
	Versions     *VersionRules           `toml:"versions" yaml:"versions"`
	Download     *DownloadRules          `toml:"download" yaml:"download"`
	Layout       *LayoutRules            `toml:"layout" yaml:"layout"`
	Fallbacks    []FallbackRule          `toml:"fallbacks" yaml:"fallbacks"`

	// Source is the document the spec was read from.
	Source string `toml:"-" yaml:"-"`
}

// VersionRules describe where a static tool's version list comes from.
type VersionRules struct {
	Source    string   `toml:"source" yaml:"source"`
	URL       string   `toml:"url" yaml:"url"`
	TagPrefix string   `toml:"tag_prefix" yaml:"tag_prefix"`
	List      []string `toml:"list" yaml:"list"`
}

// DownloadRules build a download URL from a template. OS and Arch rename the
// canonical platform names for the template; Unsupported lists "os" or
// "os-arch" keys with no first-party artifact.
type DownloadRules struct {
	URL         string            `toml:"url" yaml:"url"`
	OS          map[string]string `toml:"os" yaml:"os"`
	Arch        map[string]string `toml:"arch" yaml:"arch"`
	Ext         map[string]string `toml:"ext" yaml:"ext"`
	Unsupported []string          `toml:"unsupported" yaml:"unsupported"`
}

// LayoutRules are the static form of an InstallDescriptor.
type LayoutRules struct {
	Kind            string   `toml:"kind" yaml:"kind"`
	StripPrefix     string   `toml:"strip_prefix" yaml:"strip_prefix"`
	ExecutablePaths []string `toml:"executable_paths" yaml:"executable_paths"`
	SourceName      string   `toml:"source_name" yaml:"source_name"`
	TargetName      string   `toml:"target_name" yaml:"target_name"`
	TargetDir       string   `toml:"target_dir" yaml:"target_dir"`
	Permissions     string   `toml:"permissions" yaml:"permissions"`
	PackagePath     string   `toml:"package_path" yaml:"package_path"`
	ExtraArgs       []string `toml:"extra_args" yaml:"extra_args"`
	Universal       bool     `toml:"universal" yaml:"universal"`
}

// FallbackRule is a static fallback strategy, optionally limited to platforms.
type FallbackRule struct {
	Manager   string   `toml:"manager" yaml:"manager"`
	Package   string   `toml:"package" yaml:"package"`
	Priority  int      `toml:"priority" yaml:"priority"`
	Platforms []string `toml:"platforms" yaml:"platforms"`
}

// Scripted reports whether the tool is driven by a provider script.
func (s *Spec) Scripted() bool {
	return strings.TrimSpace(s.Script) != ""
}

// ExecutableName returns the declared executable, defaulting to the tool name.
func (s *Spec) ExecutableName() string {
	if exe := strings.TrimSpace(s.Executable); exe != "" {
		return exe
	}
	return s.Name
}

// Names returns the tool name followed by its aliases.
func (s *Spec) Names() []string {
	return append([]string{s.Name}, s.Aliases...)
}

// Supported reports whether the download rules have an artifact for p.
func (d *DownloadRules) Supported(p descriptor.Platform) bool {
	for _, key := range d.Unsupported {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == p.OS || key == p.String() {
			return false
		}
	}
	return true
}

// Vars maps canonical platform names through the rule's renames.
func (d *DownloadRules) Vars(tool, version string, p descriptor.Platform) descriptor.Vars {
	vars := descriptor.VarsFor(tool, version, p)
	if v, ok := d.OS[p.OS]; ok {
		vars.OS = v
	}
	if v, ok := d.Arch[p.Arch]; ok {
		vars.Arch = v
	}
	if v, ok := d.Ext[p.OS]; ok {
		vars.Ext = v
	}
	return vars
}

// Descriptor expands the layout rules into an InstallDescriptor.
func (l *LayoutRules) Descriptor(vars descriptor.Vars) (descriptor.InstallDescriptor, error) {
	expandAll := func(in []string) []string {
		out := make([]string, len(in))
		for i, v := range in {
			out[i] = descriptor.Expand(v, vars)
		}
		return out
	}

	d := descriptor.InstallDescriptor{Kind: descriptor.InstallKind(l.Kind), Universal: l.Universal}
	switch d.Kind {
	case descriptor.KindArchive:
		d.Archive = &descriptor.ArchiveLayout{
			StripPrefix:     descriptor.Expand(l.StripPrefix, vars),
			ExecutablePaths: expandAll(l.ExecutablePaths),
		}
	case descriptor.KindBinary:
		perm, err := ParsePermissions(l.Permissions)
		if err != nil {
			return d, err
		}
		d.Binary = &descriptor.BinaryLayout{
			SourceName:  descriptor.Expand(l.SourceName, vars),
			TargetName:  descriptor.Expand(l.TargetName, vars),
			TargetDir:   descriptor.Expand(l.TargetDir, vars),
			Permissions: perm,
		}
	case descriptor.KindAdminInstall:
		d.Admin = &descriptor.AdminInstallLayout{
			PackagePath:     descriptor.Expand(l.PackagePath, vars),
			ExecutablePaths: expandAll(l.ExecutablePaths),
			ExtraArgs:       expandAll(l.ExtraArgs),
		}
	}
	return d, d.Validate()
}

// ParsePermissions reads octal permission bits such as "0755" or "755".
// An empty value yields 0o755.
func ParsePermissions(value string) (os.FileMode, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0o755, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(value, "0o"), 8, 32)
	if err != nil || n > 0o7777 {
		return 0, &descriptor.SchemaError{Source: "layout", Field: "permissions", Message: strconv.Quote(value) + " is not an octal permission value"}
	}
	return os.FileMode(n), nil
}
