// Package project reads the vx.toml manifest that pins a project's tools.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"vx/internal/paths"
	"vx/pkg/descriptor"
)

// ManifestName is the project manifest file name.
const ManifestName = "vx.toml"

// ErrNoManifest is returned when no vx.toml exists in a directory or any of
// its parents.
var ErrNoManifest = errors.New("no " + ManifestName + " found")

// Manifest is a parsed vx.toml.
//
//	[tools]
//	node = "20"
//	uv = "latest"
type Manifest struct {
	// Path is the manifest file; Root is the directory holding it.
	Path string `toml:"-"`
	Root string `toml:"-"`

	Tools map[string]string `toml:"tools"`
}

// Pin is one tool constraint from the manifest.
type Pin struct {
	Tool       string
	Constraint string
}

func (p Pin) String() string {
	if p.Constraint == "" {
		return p.Tool
	}
	return p.Tool + "@" + p.Constraint
}

// ParsePin reads "tool" or "tool@constraint".
func ParsePin(arg string) (Pin, error) {
	arg = strings.TrimSpace(arg)
	tool, constraint, _ := strings.Cut(arg, "@")
	tool = strings.ToLower(strings.TrimSpace(tool))
	if tool == "" {
		return Pin{}, fmt.Errorf("invalid tool argument %q: tool name is required", arg)
	}
	constraint = strings.TrimSpace(constraint)
	if _, err := descriptor.ParseConstraint(constraint); err != nil {
		return Pin{}, err
	}
	return Pin{Tool: tool, Constraint: constraint}, nil
}

// Find walks from dir up to the filesystem root and returns the first
// vx.toml it sees.
func Find(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		candidate := filepath.Join(abs, ManifestName)
		ok, err := paths.FileExists(candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w in %s or its parents", ErrNoManifest, dir)
		}
		abs = parent
	}
}

// Load parses the manifest at path. Unknown keys and invalid constraints
// are schema errors.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, &descriptor.SchemaError{Source: path, Message: err.Error()}
	}
	var errs descriptor.SchemaErrors
	for _, key := range md.Undecoded() {
		errs = append(errs, &descriptor.SchemaError{Source: path, Field: key.String(), Message: "unknown key"})
	}

	normalized := make(map[string]string, len(m.Tools))
	for tool, constraint := range m.Tools {
		name := strings.ToLower(strings.TrimSpace(tool))
		if _, err := descriptor.ParseConstraint(constraint); err != nil {
			errs = append(errs, &descriptor.SchemaError{Source: path, Field: "tools." + tool, Message: err.Error()})
			continue
		}
		if _, dup := normalized[name]; dup {
			errs = append(errs, &descriptor.SchemaError{Source: path, Field: "tools." + tool, Message: "declared more than once"})
			continue
		}
		normalized[name] = strings.TrimSpace(constraint)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m.Path = abs
	m.Root = filepath.Dir(abs)
	m.Tools = normalized
	return &m, nil
}

// Discover finds and loads the manifest governing dir.
func Discover(dir string) (*Manifest, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Pins returns the manifest's tools ordered by name.
func (m *Manifest) Pins() []Pin {
	pins := make([]Pin, 0, len(m.Tools))
	for tool, constraint := range m.Tools {
		pins = append(pins, Pin{Tool: tool, Constraint: constraint})
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Tool < pins[j].Tool })
	return pins
}

// Set records a pin, replacing any existing constraint for the tool.
func (m *Manifest) Set(pin Pin) {
	if m.Tools == nil {
		m.Tools = make(map[string]string)
	}
	m.Tools[pin.Tool] = pin.Constraint
}

// Save writes the manifest back to Path.
func (m *Manifest) Save() error {
	if m.Path == "" {
		return errors.New("manifest has no path")
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode %s: %w", ManifestName, err)
	}
	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ManifestName, err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", ManifestName, err)
	}
	return nil
}
