package descriptor

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
)

// InstallKind tags the InstallDescriptor variant.
type InstallKind string

const (
	KindArchive      InstallKind = "archive"
	KindBinary       InstallKind = "binary"
	KindAdminInstall InstallKind = "admin_install"
)

// InstallKinds lists every accepted variant tag.
func InstallKinds() []string {
	return []string{string(KindArchive), string(KindBinary), string(KindAdminInstall)}
}

// ArchiveLayout extracts an archive, stripping StripPrefix from every entry.
type ArchiveLayout struct {
	StripPrefix     string   `json:"strip_prefix,omitempty"`
	ExecutablePaths []string `json:"executable_paths"`
}

// BinaryLayout places a single file at TargetDir/TargetName.
type BinaryLayout struct {
	SourceName  string      `json:"source_name"`
	TargetName  string      `json:"target_name"`
	TargetDir   string      `json:"target_dir,omitempty"`
	Permissions os.FileMode `json:"permissions,omitempty"`
}

// AdminInstallLayout expands a platform installer package into a private directory.
type AdminInstallLayout struct {
	PackagePath     string   `json:"package_path,omitempty"`
	ExecutablePaths []string `json:"executable_paths"`
	ExtraArgs       []string `json:"extra_args,omitempty"`
}

// InstallDescriptor describes how a downloaded artifact maps onto disk.
// Exactly one of Archive, Binary or Admin is set, matching Kind.
type InstallDescriptor struct {
	Kind      InstallKind         `json:"kind"`
	Archive   *ArchiveLayout      `json:"archive,omitempty"`
	Binary    *BinaryLayout       `json:"binary,omitempty"`
	Admin     *AdminInstallLayout `json:"admin,omitempty"`
	Universal bool                `json:"universal,omitempty"`
}

// Validate checks the union is well formed.
func (d InstallDescriptor) Validate() error {
	var errs SchemaErrors
	set := 0
	if d.Archive != nil {
		set++
	}
	if d.Binary != nil {
		set++
	}
	if d.Admin != nil {
		set++
	}
	if set != 1 {
		errs = append(errs, &SchemaError{Source: "layout", Message: "exactly one layout variant must be set"})
	}

	switch d.Kind {
	case KindArchive:
		if d.Archive == nil {
			errs = append(errs, &SchemaError{Source: "layout", Field: "archive", Message: "missing archive layout"})
		} else if len(d.Archive.ExecutablePaths) == 0 {
			errs = append(errs, &SchemaError{Source: "layout", Field: "executable_paths", Message: "at least one candidate is required"})
		}
	case KindBinary:
		if d.Binary == nil {
			errs = append(errs, &SchemaError{Source: "layout", Field: "binary", Message: "missing binary layout"})
		} else {
			if strings.TrimSpace(d.Binary.SourceName) == "" {
				errs = append(errs, &SchemaError{Source: "layout", Field: "source_name", Message: "is required"})
			}
			if strings.TrimSpace(d.Binary.TargetName) == "" {
				errs = append(errs, &SchemaError{Source: "layout", Field: "target_name", Message: "is required"})
			} else if strings.ContainsAny(d.Binary.TargetName, `/\`) {
				errs = append(errs, &SchemaError{Source: "layout", Field: "target_name", Message: "must be a file name"})
			}
		}
	case KindAdminInstall:
		if d.Admin == nil {
			errs = append(errs, &SchemaError{Source: "layout", Field: "admin", Message: "missing admin install layout"})
		} else if len(d.Admin.ExecutablePaths) == 0 {
			errs = append(errs, &SchemaError{Source: "layout", Field: "executable_paths", Message: "at least one candidate is required"})
		}
	default:
		errs = append(errs, InvalidEnum("layout", "kind", string(d.Kind), InstallKinds()))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Hash returns a stable digest of the descriptor.
func (d InstallDescriptor) Hash() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

// Vars holds the values substituted into layout and URL templates.
type Vars struct {
	Tool    string
	Version string
	OS      string
	Arch    string
	Exe     string
	Ext     string
}

// VarsFor builds template variables for a version on a platform.
func VarsFor(tool, version string, p Platform) Vars {
	ext := ".tar.gz"
	if p.IsWindows() {
		ext = ".zip"
	}
	return Vars{
		Tool:    tool,
		Version: strings.TrimPrefix(version, "v"),
		OS:      p.OS,
		Arch:    p.Arch,
		Exe:     p.ExeSuffix(),
		Ext:     ext,
	}
}

// Expand substitutes {tool}, {version}, {os}, {arch}, {exe} and {ext}.
func Expand(template string, v Vars) string {
	r := strings.NewReplacer(
		"{tool}", v.Tool,
		"{version}", v.Version,
		"{os}", v.OS,
		"{arch}", v.Arch,
		"{exe}", v.Exe,
		"{ext}", v.Ext,
	)
	return r.Replace(template)
}

// CleanRelative normalizes a slash separated relative path and reports
// whether it stays inside its root.
func CleanRelative(p string) (string, bool) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", true
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", false
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
