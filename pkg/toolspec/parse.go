package toolspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"vx/pkg/descriptor"
)

// Format identifies the document encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// FormatFor infers the document format from a file name.
func FormatFor(name string) (Format, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".toml":
		return FormatTOML, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// Parse decodes and validates a tool document. Unknown keys and unknown enum
// values are schema errors.
func Parse(data []byte, format Format, source string) (*Spec, error) {
	var spec Spec
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &spec)
		if err != nil {
			return nil, &descriptor.SchemaError{Source: source, Message: err.Error()}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			var errs descriptor.SchemaErrors
			for _, key := range undecoded {
				errs = append(errs, &descriptor.SchemaError{Source: source, Field: key.String(), Message: "unknown key"})
			}
			return nil, errs
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
			return nil, &descriptor.SchemaError{Source: source, Message: err.Error()}
		}
	default:
		return nil, descriptor.InvalidEnum(source, "format", string(format), []string{string(FormatTOML), string(FormatYAML)})
	}

	spec.Source = source
	spec.normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Load reads a tool document from fsys, resolving script_file relative to
// the document.
func Load(fsys fs.FS, name string) (*Spec, error) {
	format, ok := FormatFor(name)
	if !ok {
		return nil, &descriptor.SchemaError{Source: name, Message: "tool documents must be .toml, .yaml or .yml"}
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read tool spec %s: %w", name, err)
	}
	spec, err := Parse(data, format, name)
	if err != nil {
		return nil, err
	}
	if spec.ScriptFile != "" {
		scriptPath := path.Join(path.Dir(name), spec.ScriptFile)
		script, err := fs.ReadFile(fsys, scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read provider script %s: %w", scriptPath, err)
		}
		spec.Script = string(script)
	}
	return spec, nil
}

func (s *Spec) normalize() {
	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	s.Ecosystem = strings.ToLower(strings.TrimSpace(s.Ecosystem))
	for i, alias := range s.Aliases {
		s.Aliases[i] = strings.ToLower(strings.TrimSpace(alias))
	}
	if s.Versions != nil {
		s.Versions.Source = strings.ToLower(strings.TrimSpace(s.Versions.Source))
	}
	if s.Layout != nil {
		s.Layout.Kind = strings.ToLower(strings.TrimSpace(s.Layout.Kind))
	}
	for i := range s.Fallbacks {
		s.Fallbacks[i].Manager = strings.ToLower(strings.TrimSpace(s.Fallbacks[i].Manager))
	}
}

// Validate checks the document against the fixed schema.
func (s *Spec) Validate() error {
	var errs descriptor.SchemaErrors
	add := func(field, msg string) {
		errs = append(errs, &descriptor.SchemaError{Source: s.Source, Field: field, Message: msg})
	}

	if s.Name == "" {
		add("name", "is required")
	} else if !namePattern.MatchString(s.Name) {
		add("name", fmt.Sprintf("%q must be lowercase letters, digits, '.', '_' or '-'", s.Name))
	}
	for _, alias := range s.Aliases {
		if !namePattern.MatchString(alias) {
			add("aliases", fmt.Sprintf("%q is not a valid tool name", alias))
		}
	}
	if s.Ecosystem == "" {
		add("ecosystem", "is required")
	} else if !slices.Contains(Ecosystems, s.Ecosystem) {
		errs = append(errs, descriptor.InvalidEnum(s.Source, "ecosystem", s.Ecosystem, Ecosystems))
	}

	hasScript := strings.TrimSpace(s.Script) != "" || strings.TrimSpace(s.ScriptFile) != ""
	hasStatic := s.Versions != nil || s.Download != nil || s.Layout != nil
	switch {
	case s.Script != "" && s.ScriptFile != "":
		add("script", "script and script_file are mutually exclusive")
	case hasScript && hasStatic:
		add("script", "a scripted tool must not declare [versions], [download] or [layout]")
	case !hasScript && !hasStatic:
		add("script", "either a provider script or static rules are required")
	case !hasScript:
		errs = append(errs, s.validateStatic()...)
	}

	for i, fb := range s.Fallbacks {
		field := fmt.Sprintf("fallbacks[%d]", i)
		if !slices.Contains(Managers, fb.Manager) {
			errs = append(errs, descriptor.InvalidEnum(s.Source, field+".manager", fb.Manager, Managers))
		}
		if strings.TrimSpace(fb.Package) == "" {
			add(field+".package", "is required")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *Spec) validateStatic() descriptor.SchemaErrors {
	var errs descriptor.SchemaErrors
	add := func(field, msg string) {
		errs = append(errs, &descriptor.SchemaError{Source: s.Source, Field: field, Message: msg})
	}

	switch {
	case s.Versions == nil:
		add("versions", "is required for static rules")
	case !slices.Contains(VersionSources, s.Versions.Source):
		errs = append(errs, descriptor.InvalidEnum(s.Source, "versions.source", s.Versions.Source, VersionSources))
	case s.Versions.Source == SourceStatic && len(s.Versions.List) == 0:
		add("versions.list", "is required when source is static")
	case s.Versions.Source != SourceStatic && strings.TrimSpace(s.Versions.URL) == "":
		add("versions.url", "is required")
	}

	if s.Download == nil || strings.TrimSpace(s.Download.URL) == "" {
		add("download.url", "is required for static rules")
	}

	if s.Layout == nil {
		add("layout", "is required for static rules")
		return errs
	}
	if !slices.Contains(descriptor.InstallKinds(), s.Layout.Kind) {
		errs = append(errs, descriptor.InvalidEnum(s.Source, "layout.kind", s.Layout.Kind, descriptor.InstallKinds()))
		return errs
	}
	if _, err := ParsePermissions(s.Layout.Permissions); err != nil {
		add("layout.permissions", fmt.Sprintf("%q is not an octal permission value", s.Layout.Permissions))
	}
	if _, err := s.Layout.Descriptor(descriptor.Vars{}); err != nil {
		var layoutErrs descriptor.SchemaErrors
		if errors.As(err, &layoutErrs) {
			for _, le := range layoutErrs {
				add("layout."+le.Field, le.Message)
			}
		}
	}
	return errs
}
